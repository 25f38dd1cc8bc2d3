package codec

import (
	"encoding/hex"
	"strings"
	"unicode/utf8"
)

// DecodeAsString is the fallback rendering used when a characteristic has no
// presentation format: strict UTF-8 if the bytes are valid, lowercase hex otherwise.
func DecodeAsString(value []byte) string {
	if utf8.Valid(value) {
		return string(value)
	}
	return FormatHex(value)
}

// Decode formats value with pf when given and supported, falling back to DecodeAsString.
func Decode(pf *PresentationFormat, value []byte) string {
	if pf != nil {
		if s, ok := pf.Render(value); ok {
			return s
		}
	}
	return DecodeAsString(value)
}

// FormatHex renders bytes as lowercase hex, two digits per byte, no separators.
func FormatHex(value []byte) string {
	return hex.EncodeToString(value)
}

// FormatHexPrefixed renders bytes as "0x" followed by uppercase hex.
func FormatHexPrefixed(value []byte) string {
	return "0x" + strings.ToUpper(hex.EncodeToString(value))
}

// ParseHex parses user-supplied hex. A "0x" prefix is optional and an odd number
// of digits is left-padded with a zero. The boolean is false on invalid input.
func ParseHex(s string) ([]byte, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return b, true
}
