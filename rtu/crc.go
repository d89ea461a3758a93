package rtu

import "github.com/sigurn/crc16"

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// CRC16 returns the Modbus CRC of data (poly 0xA001 reflected, init 0xFFFF).
func CRC16(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}

// ValidateCRC reports whether the last two bytes of frame hold the CRC of
// the bytes before them, low byte first.
func ValidateCRC(frame []byte) bool {
	if len(frame) < 3 {
		return false
	}
	n := len(frame) - 2
	received := uint16(frame[n]) | uint16(frame[n+1])<<8
	return CRC16(frame[:n]) == received
}

// AppendCRC appends the CRC of data to data.
func AppendCRC(data []byte) []byte {
	crc := CRC16(data)
	return append(data, byte(crc), byte(crc>>8))
}
