package rtu

import (
	"fmt"

	"github.com/goburrow/modbus"
)

// FunctionCodes names the function codes the decoder understands.
var FunctionCodes = map[uint8]string{
	modbus.FuncCodeReadCoils:              "read coils",
	modbus.FuncCodeReadDiscreteInputs:     "read discrete inputs",
	modbus.FuncCodeReadHoldingRegisters:   "read holding registers",
	modbus.FuncCodeReadInputRegisters:     "read input registers",
	modbus.FuncCodeWriteSingleCoil:        "write single coil",
	modbus.FuncCodeWriteSingleRegister:    "write single register",
	modbus.FuncCodeWriteMultipleCoils:     "write multiple coils",
	modbus.FuncCodeWriteMultipleRegisters: "write multiple registers",
}

// ErrorCodes is keyed by the function code of an exception response,
// i.e. with the 0x80 bit set.
var ErrorCodes = map[uint8]string{
	0x81: "illegal function",
	0x82: "illegal data address",
	0x83: "illegal data value",
	0x84: "slave device failure",
	0x85: "acknowledge",
	0x86: "slave device busy",
	0x87: "memory parity error",
	0x88: "gateway path unavailable",
	0x8A: "gateway target device failed to respond",
	0x8B: "gateway target device response timeout",
}

const unknownError = "unknown error"

// FunctionName names a function code for log lines, exception codes
// included.
func FunctionName(code uint8) string {
	if code&0x80 != 0 {
		return fmt.Sprintf("exception on %s", FunctionName(code&^0x80))
	}
	if name, ok := FunctionCodes[code]; ok {
		return name
	}
	return fmt.Sprintf("function %d", code)
}
