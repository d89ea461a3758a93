package rtu

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/goburrow/modbus"
)

const (
	errTooShort  = "response too short"
	errBadCRC    = "CRC check failed"
	errTruncated = "response truncated"

	minResponseLength = 5
)

// SingleWrite is the echo of a function 5 or 6 request.
type SingleWrite struct {
	Address uint16 `json:"address"`
	Value   uint16 `json:"value"`
}

// MultipleWrite is the acknowledgement of a function 15 or 16 request.
type MultipleWrite struct {
	StartAddress uint16 `json:"startAddress"`
	Quantity     uint16 `json:"quantity"`
}

// Result is a decoded response frame. When Valid is false only Error is
// meaningful.
type Result struct {
	Valid        bool   `json:"valid"`
	SlaveAddress uint8  `json:"slaveAddress"`
	FunctionCode uint8  `json:"functionCode"`
	IsError      bool   `json:"isError"`
	Error        string `json:"error,omitempty"`

	// ExceptionCode is byte 2 of an exception response.
	ExceptionCode uint8 `json:"exceptionCode,omitempty"`

	RequestedFunction uint8 `json:"requestedFunction,omitempty"`
	UnknownFunction   bool  `json:"unknownFunction,omitempty"`

	// Coil reads hold one 0/1 entry per bit, register reads one entry per
	// register.
	ByteCount int      `json:"byteCount,omitempty"`
	Values    []uint16 `json:"values,omitempty"`

	Single   *SingleWrite   `json:"single,omitempty"`
	Multiple *MultipleWrite `json:"multiple,omitempty"`
}

// Err converts r into an error: nil for a good response, a
// *modbus.ModbusError for an exception response.
func (r Result) Err() error {
	switch {
	case !r.Valid:
		return errors.New(r.Error)
	case r.IsError:
		return &modbus.ModbusError{FunctionCode: r.FunctionCode, ExceptionCode: r.ExceptionCode}
	}
	return nil
}

func invalid(reason string) Result {
	return Result{Error: reason}
}

// Decode interprets response, using the function code of request (which may
// be nil) to pick the payload layout.
func Decode(response, request []byte) Result {
	if len(response) < minResponseLength {
		return invalid(errTooShort)
	}
	if !ValidateCRC(response) {
		return invalid(errBadCRC)
	}

	res := Result{
		Valid:        true,
		SlaveAddress: response[0],
		FunctionCode: response[1],
		IsError:      response[1]&0x80 != 0,
	}

	if res.IsError {
		desc, ok := ErrorCodes[res.FunctionCode]
		if !ok {
			desc = unknownError
		}
		res.Error = fmt.Sprintf("error code %x: %s", res.FunctionCode, desc)
		res.ExceptionCode = response[2]
		return res
	}

	if len(request) < 2 {
		return res
	}

	res.RequestedFunction = request[1]
	// Payload excludes the trailing CRC.
	payload := response[:len(response)-2]

	var ok bool
	switch request[1] {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs:
		ok = decodeBits(payload, &res)
	case modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters:
		ok = decodeRegisters(payload, &res)
	case modbus.FuncCodeWriteSingleCoil, modbus.FuncCodeWriteSingleRegister:
		if ok = len(payload) >= 6; ok {
			res.Single = &SingleWrite{
				Address: binary.BigEndian.Uint16(payload[2:4]),
				Value:   binary.BigEndian.Uint16(payload[4:6]),
			}
		}
	case modbus.FuncCodeWriteMultipleCoils, modbus.FuncCodeWriteMultipleRegisters:
		if ok = len(payload) >= 6; ok {
			res.Multiple = &MultipleWrite{
				StartAddress: binary.BigEndian.Uint16(payload[2:4]),
				Quantity:     binary.BigEndian.Uint16(payload[4:6]),
			}
		}
	default:
		res.UnknownFunction = true
		ok = true
	}
	if !ok {
		return invalid(errTruncated)
	}
	return res
}

// byteCounted returns the data bytes announced by payload[2], or false if
// the frame is shorter than announced.
func byteCounted(payload []byte) ([]byte, bool) {
	count := int(payload[2])
	if 3+count > len(payload) {
		return nil, false
	}
	return payload[3 : 3+count], true
}

// decodeBits reports every bit of every data byte, LSB first. Padding bits
// past the requested quantity are kept; the response does not carry the
// quantity.
func decodeBits(payload []byte, res *Result) bool {
	data, ok := byteCounted(payload)
	if !ok {
		return false
	}
	res.ByteCount = len(data)
	res.Values = make([]uint16, 0, len(data)*8)
	for _, b := range data {
		for bit := 0; bit < 8; bit++ {
			res.Values = append(res.Values, uint16(b>>bit)&1)
		}
	}
	return true
}

func decodeRegisters(payload []byte, res *Result) bool {
	data, ok := byteCounted(payload)
	if !ok {
		return false
	}
	res.ByteCount = len(data)
	res.Values = make([]uint16, len(data)/2)
	for i := range res.Values {
		res.Values[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return true
}
