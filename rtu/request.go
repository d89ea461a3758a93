package rtu

import (
	"encoding/binary"
	"fmt"

	"github.com/goburrow/modbus"
	"github.com/tbrandon/mbserver"
)

// NewRequest builds the common four-field request: slave, function, a
// starting address and a quantity (or value, for functions 5 and 6), with
// its CRC.
func NewRequest(slave, function uint8, address, quantity uint16) []byte {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], address)
	binary.BigEndian.PutUint16(data[2:4], quantity)
	frame := mbserver.RTUFrame{Address: slave, Function: function, Data: data}
	return frame.Bytes()
}

// NewWriteCoilRequest builds a function 5 request; on is sent as 0xFF00.
func NewWriteCoilRequest(slave uint8, address uint16, on bool) []byte {
	var value uint16
	if on {
		value = 0xFF00
	}
	return NewRequest(slave, modbus.FuncCodeWriteSingleCoil, address, value)
}

// NewWriteRegisterRequest builds a function 6 request.
func NewWriteRegisterRequest(slave uint8, address, value uint16) []byte {
	return NewRequest(slave, modbus.FuncCodeWriteSingleRegister, address, value)
}

// ParseRequest checks the CRC of a request frame and splits it into its
// fields.
func ParseRequest(frame []byte) (*mbserver.RTUFrame, error) {
	req, err := mbserver.NewRTUFrame(frame)
	if err != nil {
		return nil, fmt.Errorf("bad request frame % X: %v", frame, err)
	}
	return req, nil
}
