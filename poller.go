package main

// The poller walks every configured device request in turn, sends it over
// the session and waits for the answer. Decoded results reach the register
// image and MQTT through the session handler; the poller only keeps score.
// A request that fails maxErrors times in a row is skipped from then on.

import (
	"fmt"
	"log"
	"time"

	"github.com/goburrow/modbus"

	"github.com/zathras777/rtumon/rtu"
)

type deviceAction struct {
	slave    byte
	function byte
	address  uint16
	quantity uint16
	frame    []byte
	errors   int
	delay    time.Duration
}

var (
	maxErrors    = 10
	defaultDelay = 500 * time.Millisecond
)

func deviceActionFromConfig(slave byte, req pollRequest) (*deviceAction, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	act := &deviceAction{
		slave:    slave,
		function: req.Function,
		address:  req.Address,
		quantity: req.Quantity,
		delay:    defaultDelay,
	}
	if req.Delay > 0 {
		act.delay = time.Duration(req.Delay) * time.Millisecond
	}
	switch req.Function {
	case modbus.FuncCodeWriteSingleCoil:
		act.frame = rtu.NewWriteCoilRequest(slave, req.Address, req.Value != 0)
	case modbus.FuncCodeWriteSingleRegister:
		act.frame = rtu.NewWriteRegisterRequest(slave, req.Address, req.Value)
	default:
		act.frame = rtu.NewRequest(slave, req.Function, req.Address, req.Quantity)
	}
	return act, nil
}

func buildActions(devs []remoteDevice) []*deviceAction {
	var actions []*deviceAction
	for _, dev := range devs {
		n := 0
		for _, req := range dev.Requests {
			act, err := deviceActionFromConfig(dev.ID, req)
			if err != nil {
				log.Printf("Poller: device %d: %v", dev.ID, err)
				continue
			}
			actions = append(actions, act)
			n++
		}
		if n == 0 {
			log.Printf("Poller: no valid requests found for device %d", dev.ID)
		}
	}
	return actions
}

type transactor interface {
	transact(request []byte, timeout time.Duration) (exchange, error)
}

// poll runs one action and reports whether it succeeded.
func (act *deviceAction) poll(t transactor, timeout time.Duration) bool {
	ex, err := t.transact(act.frame, timeout)
	if err == nil {
		err = ex.Result.Err()
	}
	if err != nil {
		act.errors++
		log.Printf("Poller: device %d: %v failed: %v", act.slave, act, err)
		return false
	}
	act.errors = 0
	return true
}

// collect polls actions until quit is closed or every action has used up
// its error budget.
func collect(t transactor, actions []*deviceAction, timeout time.Duration, quit <-chan struct{}) {
	for {
		live := 0
		for _, act := range actions {
			if act.errors >= maxErrors {
				continue
			}
			live++
			act.poll(t, timeout)
			if act.errors == maxErrors {
				log.Printf("Poller: device %d: skipping %v due excessive errors", act.slave, act)
			}
			select {
			case <-quit:
				return
			case <-time.After(act.delay):
			}
		}
		if live == 0 {
			log.Print("Poller: nothing left to poll")
			return
		}
	}
}

func (act deviceAction) String() string {
	switch act.function {
	case modbus.FuncCodeWriteSingleCoil, modbus.FuncCodeWriteSingleRegister:
		return fmt.Sprintf("%s at %d", rtu.FunctionName(act.function), act.address)
	}
	return fmt.Sprintf("%s from %d, %d items", rtu.FunctionName(act.function), act.address, act.quantity)
}
