package main

import (
	"errors"
	"fmt"
	"io"
	"log"

	goserial "github.com/goburrow/serial"
	tarm "github.com/tarm/serial"
)

// errIdle is returned by a port when nothing arrived within the idle time.
var errIdle = errors.New("serial line idle")

type goburrowPort struct {
	goserial.Port
}

func (p goburrowPort) Read(b []byte) (int, error) {
	n, err := p.Port.Read(b)
	if err == goserial.ErrTimeout {
		return n, errIdle
	}
	return n, err
}

// tarm reports a read timeout as a zero length read with io.EOF.
type tarmPort struct {
	*tarm.Port
}

func (p tarmPort) Read(b []byte) (int, error) {
	n, err := p.Port.Read(b)
	if n == 0 && (err == nil || err == io.EOF) {
		return 0, errIdle
	}
	return n, err
}

// openPort opens the configured device. Reads give up after the idle time
// so that a quiet line can be told apart from a slow one.
func openPort(cfg serialData) (io.ReadWriteCloser, error) {
	address := cfg.Devicename
	if address == "" {
		address = firstUSBSerialDevice()
		if address == "" {
			return nil, fmt.Errorf("no device configured and no USB serial adapter found")
		}
		log.Printf("Using USB serial adapter %s", address)
	}

	switch cfg.Driver {
	case driverTarm:
		port, err := tarm.OpenPort(&tarm.Config{
			Name:        address,
			Baud:        cfg.Baudrate,
			Size:        8,
			Parity:      tarm.Parity(cfg.Parity[0]),
			StopBits:    tarm.Stop1,
			ReadTimeout: cfg.idle(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %v", address, err)
		}
		return tarmPort{port}, nil
	default:
		port, err := goserial.Open(&goserial.Config{
			Address:  address,
			BaudRate: cfg.Baudrate,
			DataBits: 8,
			StopBits: 1,
			Parity:   cfg.Parity,
			Timeout:  cfg.idle(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %v", address, err)
		}
		return goburrowPort{port}, nil
	}
}
