package main

import (
	"encoding/binary"
	"io"
	"log"

	"github.com/goburrow/modbus"
	"github.com/tbrandon/mbserver"

	"github.com/zathras777/rtumon/rtu"
)

// The responder answers a second master from the register image, so that
// it sees the polled devices without touching their bus.

type request struct {
	conn  io.Writer
	frame *mbserver.RTUFrame
}

func startServer(cfg serialData, quit <-chan struct{}) error {
	port, err := openPort(cfg)
	if err != nil {
		return err
	}

	requests := make(chan *request)
	go processRequests(requests, quit)
	go func() {
		if err := acceptSerialRequests(port, requests, quit); err != nil {
			log.Printf("Server: %v", err)
		}
		port.Close()
	}()
	log.Printf("Server: Started listening on %s", cfg.Devicename)
	return nil
}

func acceptSerialRequests(port io.ReadWriter, requests chan<- *request, quit <-chan struct{}) error {
	splitter := rtu.NewSplitter(rtu.WithDiscardHook(func(b []byte) {
		log.Printf("Server: bad serial frame % X", b)
	}))
	return readBursts(port, quit, func(burst []byte, idle bool) {
		for _, raw := range splitter.Ingest(burst) {
			frame, err := rtu.ParseRequest(raw)
			if err != nil {
				log.Printf("Server: %v", err)
				continue
			}
			select {
			case requests <- &request{port, frame}:
			case <-quit:
				return
			}
		}
		if idle {
			splitter.Clear()
		}
	})
}

func processRequests(requests <-chan *request, quit <-chan struct{}) {
	for {
		var req *request
		select {
		case <-quit:
			return
		case req = <-requests:
		}

		out := respond(req.frame)
		if out == nil {
			continue
		}
		if _, err := req.conn.Write(out); err != nil {
			log.Printf("Server: %v", err)
		}
	}
}

// respond builds the answer to frame, or nil when the request is not ours
// to answer.
func respond(frame *mbserver.RTUFrame) []byte {
	if _, err := getRegisterAccess(frame.Address, tableHolding); err == unknownDevice {
		return nil
	}

	var (
		regA *registerAccess
		data []byte
		err  modbusError
	)
	switch frame.Function {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters:
		address, quantity, ok := addressAndQuantity(frame)
		if !ok {
			err = illegalDataValue
			break
		}
		regA, err = getRegisterAccess(frame.Address, frame.Function)
		if err == modbusSuccess {
			data, err = regA.Read(address, quantity)
		}
	case modbus.FuncCodeWriteSingleCoil, modbus.FuncCodeWriteSingleRegister:
		address, value, ok := addressAndQuantity(frame)
		if !ok {
			err = illegalDataValue
			break
		}
		table, v := tableHolding, uint16(value)
		if frame.Function == modbus.FuncCodeWriteSingleCoil {
			table, v = tableCoils, 0
			if value == 0xFF00 {
				v = 1
			}
		}
		regA, err = getRegisterAccess(frame.Address, table)
		if err == modbusSuccess {
			err = regA.Write(address, []uint16{v})
			data = frame.Data[:4]
		}
	case modbus.FuncCodeWriteMultipleCoils, modbus.FuncCodeWriteMultipleRegisters:
		address, quantity, ok := addressAndQuantity(frame)
		if !ok {
			err = illegalDataValue
			break
		}
		table, values := tableHolding, unpackWrittenRegisters(frame.Data[4:], quantity)
		if frame.Function == modbus.FuncCodeWriteMultipleCoils {
			table, values = tableCoils, unpackWrittenBits(frame.Data[4:], quantity)
		}
		if values == nil {
			err = illegalDataValue
			break
		}
		regA, err = getRegisterAccess(frame.Address, table)
		if err == modbusSuccess {
			err = regA.Write(address, values)
			data = frame.Data[:4]
		}
	default:
		err = illegalFunction
	}

	if err != modbusSuccess {
		return exceptionResponse(frame, err)
	}
	resp := mbserver.RTUFrame{Address: frame.Address, Function: frame.Function, Data: data}
	return resp.Bytes()
}

// addressAndQuantity reads the two words every supported request starts
// with.
func addressAndQuantity(frame *mbserver.RTUFrame) (int, int, bool) {
	if len(frame.Data) < 4 {
		return 0, 0, false
	}
	return int(binary.BigEndian.Uint16(frame.Data[0:2])), int(binary.BigEndian.Uint16(frame.Data[2:4])), true
}

func exceptionResponse(frame *mbserver.RTUFrame, err modbusError) []byte {
	resp := mbserver.RTUFrame{Address: frame.Address, Function: frame.Function | 0x80, Data: []byte{err.code}}
	return resp.Bytes()
}
