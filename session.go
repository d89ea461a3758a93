package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/zathras777/rtumon/rtu"
)

// maxADU is the longest RTU frame; a burst that reaches it is handed to the
// splitter without waiting for the line to go quiet.
const maxADU = 256

// A port that fails maxReadFailures reads in a row is given up on.
const maxReadFailures = 5

var readRetryDelay = 100 * time.Millisecond

var (
	errTimeout = errors.New("no response before timeout")
	errBusy    = errors.New("request already in flight")
)

// exchange is a request frame paired with the response that answered it.
type exchange struct {
	Request  []byte
	Response []byte
	Result   rtu.Result
	At       time.Time
}

type exchangeHandler func(exchange)

// session owns one serial link. A single goroutine (run) reads the port,
// collects bytes until the line goes quiet and feeds each burst to the
// splitter. Frames are paired with the request that caused them:
//   - polling: the request sent by transact, which waits for the answer
//   - listening: the previous frame seen on the bus
type session struct {
	port     io.ReadWriteCloser
	splitter *rtu.Splitter
	handler  exchangeHandler
	listen   bool
	debug    bool

	mu      sync.Mutex
	pending []byte
	last    []byte
	replies chan exchange
}

func newSession(port io.ReadWriteCloser, listen, debug bool, handler exchangeHandler) *session {
	s := &session{
		port:    port,
		handler: handler,
		listen:  listen,
		debug:   debug,
		replies: make(chan exchange, 1),
	}
	s.splitter = rtu.NewSplitter(rtu.WithDiscardHook(func(b []byte) {
		log.Printf("Session: discarded %d unframed bytes: % X", len(b), b)
	}))
	return s
}

func (s *session) run(quit <-chan struct{}) error {
	return readBursts(s.port, quit, s.ingest)
}

// readBursts reads port until it fails or quit is closed, handing over the
// bytes received each time the line goes quiet (idle) or maxADU bytes have
// piled up.
func readBursts(port io.Reader, quit <-chan struct{}, fn func(burst []byte, idle bool)) error {
	buf := make([]byte, maxADU)
	var burst []byte
	failures := 0
	for {
		select {
		case <-quit:
			return nil
		default:
		}

		n, err := port.Read(buf)
		if err != nil && err != errIdle {
			if err == io.EOF {
				return err
			}
			// A failed read leaves the line out of step.
			burst = burst[:0]
			failures++
			if failures >= maxReadFailures {
				return fmt.Errorf("giving up after %d failed reads: %v", failures, err)
			}
			log.Printf("Serial: %v", err)
			select {
			case <-quit:
				return nil
			case <-time.After(readRetryDelay):
			}
			continue
		}
		failures = 0
		burst = append(burst, buf[:n]...)
		if err == nil && len(burst) < maxADU {
			continue
		}
		fn(burst, err == errIdle)
		burst = burst[:0]
	}
}

// ingest splits a burst into frames. A quiet line ends any frame, so
// whatever the splitter still holds afterwards can be dropped.
func (s *session) ingest(burst []byte, idle bool) {
	for _, frame := range s.splitter.Ingest(burst) {
		if s.debug {
			log.Printf("Session: RX %s", rtu.Dump(frame))
		}
		s.dispatch(frame)
	}
	if idle && s.splitter.Buffered() > 0 {
		s.splitter.Clear()
	}
}

func (s *session) dispatch(frame []byte) {
	if s.listen {
		s.pairWithPrevious(frame)
		return
	}

	s.mu.Lock()
	request := s.pending
	// Half duplex adapters echo what we send.
	if request == nil || bytes.Equal(frame, request) {
		s.mu.Unlock()
		if request == nil {
			log.Printf("Session: unsolicited frame % X", frame)
		}
		return
	}
	if !answers(request, frame) {
		s.mu.Unlock()
		log.Printf("Session: frame % X does not answer % X", frame, request)
		return
	}
	s.pending = nil
	s.mu.Unlock()

	ex := s.complete(request, frame)
	select {
	case s.replies <- ex:
	default:
	}
}

// pairWithPrevious treats frame as the answer to the frame before it when it
// decodes as one, and as a new request otherwise.
func (s *session) pairWithPrevious(frame []byte) {
	s.mu.Lock()
	request := s.last
	s.last = nil
	if request == nil || !answers(request, frame) {
		s.last = frame
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.complete(request, frame)
}

// answers reports whether response has the shape of the reply to request:
// same slave and function, and a length that fits the quantity asked for.
func answers(request, response []byte) bool {
	if len(request) < 8 || len(response) < 5 || request[0] != response[0] {
		return false
	}
	if response[1] == request[1]|0x80 {
		return len(response) == 5
	}
	if response[1] != request[1] {
		return false
	}
	quantity := int(binary.BigEndian.Uint16(request[4:6]))
	count := int(response[2])
	switch request[1] {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs:
		return count == (quantity+7)/8 && len(response) == 5+count
	case modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters:
		return count == quantity*2 && len(response) == 5+count
	case modbus.FuncCodeWriteSingleCoil, modbus.FuncCodeWriteSingleRegister,
		modbus.FuncCodeWriteMultipleCoils, modbus.FuncCodeWriteMultipleRegisters:
		return len(response) == 8
	}
	return rtu.Decode(response, request).Valid
}

func (s *session) complete(request, response []byte) exchange {
	ex := exchange{
		Request:  request,
		Response: response,
		Result:   rtu.Decode(response, request),
		At:       time.Now(),
	}
	if s.handler != nil {
		s.handler(ex)
	}
	return ex
}

// transact sends request and waits for the paired response.
func (s *session) transact(request []byte, timeout time.Duration) (exchange, error) {
	s.mu.Lock()
	if s.pending != nil {
		s.mu.Unlock()
		return exchange{}, errBusy
	}
	s.pending = request
	s.mu.Unlock()

	// A late answer to an earlier request may still be queued.
	select {
	case <-s.replies:
	default:
	}

	if s.debug {
		log.Printf("Session: TX %s", rtu.Dump(request))
	}
	if _, err := s.port.Write(request); err != nil {
		s.abandon()
		return exchange{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ex := <-s.replies:
		return ex, nil
	case <-timer.C:
		s.abandon()
		return exchange{}, errTimeout
	}
}

// abandon forgets the request in flight and any partial frame, the line is
// assumed to be out of step.
func (s *session) abandon() {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
	s.splitter.Clear()
}
