package rtu

import (
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
)

// ParseHex accepts hex digits with any amount of whitespace between them,
// e.g. "01 03 00 00 00 01 84 0a".
func ParseHex(s string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex frame %q: %v", s, err)
	}
	return b, nil
}

// HexString renders b as lower case hex without separators.
func HexString(b []byte) string {
	return hex.EncodeToString(b)
}

// Dump describes frame on one line for logging.
func Dump(frame []byte) string {
	if len(frame) < 2 {
		return fmt.Sprintf("[% X] (%d bytes)", frame, len(frame))
	}
	crc := "crc ok"
	if !ValidateCRC(frame) {
		crc = "crc bad"
	}
	return fmt.Sprintf("[% X] slave %d, %s, %d bytes, %s",
		frame, frame[0], FunctionName(frame[1]), len(frame), crc)
}
