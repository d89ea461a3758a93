package main

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync"

	"github.com/goburrow/modbus"

	"github.com/zathras777/rtumon/rtu"
)

// Register tables are named after the function code that reads them.
const (
	tableCoils    byte = modbus.FuncCodeReadCoils
	tableDiscrete byte = modbus.FuncCodeReadDiscreteInputs
	tableHolding  byte = modbus.FuncCodeReadHoldingRegisters
	tableInput    byte = modbus.FuncCodeReadInputRegisters

	maxReadBits      = 2000
	maxReadRegisters = 125
)

type modbusError struct {
	code byte
	msg  string
}

func (e modbusError) Error() string {
	return e.msg
}

var (
	modbusSuccess      = modbusError{0, "success"}
	illegalFunction    = modbusError{modbus.ExceptionCodeIllegalFunction, "illegal function"}
	illegalDataAddress = modbusError{modbus.ExceptionCodeIllegalDataAddress, "illegal data address"}
	illegalDataValue   = modbusError{modbus.ExceptionCodeIllegalDataValue, "illegal data value"}
	unknownDevice      = modbusError{modbus.ExceptionCodeGatewayTargetDeviceFailedToRespond, "unknown device"}
)

type register struct {
	data map[uint16]uint16
	rw   sync.RWMutex
}

type registerReader func(*register, int, int) ([]byte, modbusError)
type registerWriter func(*register, int, []uint16) modbusError

type registerAccess struct {
	reg    *register
	limit  int
	reader registerReader
	writer registerWriter
}

var (
	devices   = make(map[byte]map[byte]*registerAccess)
	devicesMu sync.RWMutex
)

func makeRegisterAccess(limit int, reader registerReader, writer registerWriter) *registerAccess {
	reg := register{data: make(map[uint16]uint16)}
	return &registerAccess{reg: &reg, limit: limit, reader: reader, writer: writer}
}

func addStandardDevice(deviceNum byte) error {
	devicesMu.Lock()
	defer devicesMu.Unlock()
	if _, ck := devices[deviceNum]; ck {
		return fmt.Errorf("device %d already registered?", deviceNum)
	}
	devices[deviceNum] = map[byte]*registerAccess{
		tableCoils:    makeRegisterAccess(maxReadBits, readBits, writeValues),
		tableDiscrete: makeRegisterAccess(maxReadBits, readBits, writeValues),
		tableHolding:  makeRegisterAccess(maxReadRegisters, readRegisters, writeValues),
		tableInput:    makeRegisterAccess(maxReadRegisters, readRegisters, writeValues),
	}
	log.Printf("Registers: Added standard device #%d", deviceNum)
	return nil
}

func getRegisterAccess(deviceNum, table byte) (*registerAccess, modbusError) {
	devicesMu.RLock()
	defer devicesMu.RUnlock()
	deviceRegisters, ck := devices[deviceNum]
	if !ck {
		return nil, unknownDevice
	}
	regA, ck := deviceRegisters[table]
	if !ck {
		return nil, illegalFunction
	}
	return regA, modbusSuccess
}

// Read returns the response payload for the range: byte count followed by
// the packed data.
func (ra *registerAccess) Read(regStart, numReg int) ([]byte, modbusError) {
	if ra.reader == nil {
		return []byte{}, illegalFunction
	}
	if numReg < 1 || numReg > ra.limit {
		return nil, illegalDataValue
	}
	if regStart < 0 || regStart+numReg > 0x10000 {
		return nil, illegalDataAddress
	}
	return ra.reader(ra.reg, regStart, numReg)
}

// Values returns the stored values of a range, bits as 0 or 1.
func (ra *registerAccess) Values(regStart, numReg int) []uint16 {
	out := make([]uint16, numReg)
	ra.reg.rw.RLock()
	for i := range out {
		out[i] = ra.reg.data[uint16(regStart+i)]
	}
	ra.reg.rw.RUnlock()
	return out
}

func (ra *registerAccess) Write(regStart int, values []uint16) modbusError {
	if ra.writer == nil {
		return illegalFunction
	}
	if regStart < 0 || regStart+len(values) > 0x10000 {
		return illegalDataAddress
	}
	return ra.writer(ra.reg, regStart, values)
}

func readRegisters(reg *register, regStart, numReg int) ([]byte, modbusError) {
	bytes := make([]byte, numReg*2+1)
	bytes[0] = byte(numReg * 2)

	idx := 1
	reg.rw.RLock()
	for n := regStart; n < regStart+numReg; n++ {
		binary.BigEndian.PutUint16(bytes[idx:idx+2], reg.data[uint16(n)])
		idx += 2
	}
	reg.rw.RUnlock()
	return bytes, modbusSuccess
}

func readBits(reg *register, regStart, numReg int) ([]byte, modbusError) {
	count := (numReg + 7) / 8
	bytes := make([]byte, count+1)
	bytes[0] = byte(count)

	reg.rw.RLock()
	for i := 0; i < numReg; i++ {
		if reg.data[uint16(regStart+i)] != 0 {
			bytes[1+i/8] |= 1 << uint(i%8)
		}
	}
	reg.rw.RUnlock()
	return bytes, modbusSuccess
}

func writeValues(reg *register, regStart int, values []uint16) modbusError {
	reg.rw.Lock()
	for i, v := range values {
		reg.data[uint16(regStart+i)] = v
	}
	reg.rw.Unlock()
	return modbusSuccess
}

// storeExchange copies what a request/response pair says about the device
// into the register image.
func storeExchange(request []byte, res rtu.Result) {
	if !res.Valid || res.IsError || res.UnknownFunction {
		return
	}
	req, err := rtu.ParseRequest(request)
	if err != nil || len(req.Data) < 4 {
		return
	}
	start := int(binary.BigEndian.Uint16(req.Data[0:2]))
	quantity := int(binary.BigEndian.Uint16(req.Data[2:4]))

	var (
		table  byte
		values []uint16
	)
	switch req.Function {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs:
		// Drop the padding bits of the last byte.
		table, values = req.Function, res.Values
		if quantity < len(values) {
			values = values[:quantity]
		}
	case modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters:
		table, values = req.Function, res.Values
	case modbus.FuncCodeWriteSingleCoil:
		if res.Single == nil {
			return
		}
		table, start = tableCoils, int(res.Single.Address)
		values = []uint16{0}
		if res.Single.Value == 0xFF00 {
			values[0] = 1
		}
	case modbus.FuncCodeWriteSingleRegister:
		if res.Single == nil {
			return
		}
		table, start = tableHolding, int(res.Single.Address)
		values = []uint16{res.Single.Value}
	case modbus.FuncCodeWriteMultipleCoils:
		table, values = tableCoils, unpackWrittenBits(req.Data[4:], quantity)
	case modbus.FuncCodeWriteMultipleRegisters:
		table, values = tableHolding, unpackWrittenRegisters(req.Data[4:], quantity)
	default:
		return
	}
	if len(values) == 0 {
		return
	}

	regA, mErr := getRegisterAccess(req.Address, table)
	if mErr == unknownDevice {
		if err := addStandardDevice(req.Address); err != nil {
			log.Print(err)
		}
		regA, mErr = getRegisterAccess(req.Address, table)
	}
	if mErr != modbusSuccess {
		log.Printf("Registers: device %d table %d: %s", req.Address, table, mErr)
		return
	}
	if mErr = regA.Write(start, values); mErr != modbusSuccess {
		log.Printf("Registers: device %d: unable to store %d values at %d: %s", req.Address, len(values), start, mErr)
	}
}

// unpackWrittenBits reads the byte count and packed coils of a function 15
// request body.
func unpackWrittenBits(body []byte, quantity int) []uint16 {
	if len(body) < 1 || len(body)-1 < int(body[0]) || int(body[0])*8 < quantity {
		return nil
	}
	values := make([]uint16, quantity)
	for i := range values {
		values[i] = uint16(body[1+i/8]>>uint(i%8)) & 1
	}
	return values
}

// unpackWrittenRegisters reads the byte count and registers of a function 16
// request body.
func unpackWrittenRegisters(body []byte, quantity int) []uint16 {
	if len(body) < 1 || len(body)-1 < quantity*2 {
		return nil
	}
	values := make([]uint16, quantity)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(body[1+i*2:])
	}
	return values
}
