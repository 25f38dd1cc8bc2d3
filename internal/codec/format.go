// Package codec turns raw characteristic bytes into human-readable strings.
//
// Formatting is driven by the Characteristic Presentation Format descriptor (0x2904)
// when a peripheral exposes one; otherwise DecodeAsString falls back to strict UTF-8
// and then to hex.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
)

// FormatType is the format field of a presentation format descriptor.
type FormatType uint8

const (
	FormatUnknown    FormatType = 0x00
	FormatBoolean    FormatType = 0x01
	FormatUint2      FormatType = 0x02
	FormatUint4      FormatType = 0x03
	FormatUint8      FormatType = 0x04
	FormatUint12     FormatType = 0x05
	FormatUint16     FormatType = 0x06
	FormatUint24     FormatType = 0x07
	FormatUint32     FormatType = 0x08
	FormatUint48     FormatType = 0x09
	FormatUint64     FormatType = 0x0A
	FormatUint128    FormatType = 0x0B
	FormatSint8      FormatType = 0x0C
	FormatSint12     FormatType = 0x0D
	FormatSint16     FormatType = 0x0E
	FormatSint24     FormatType = 0x0F
	FormatSint32     FormatType = 0x10
	FormatSint48     FormatType = 0x11
	FormatSint64     FormatType = 0x12
	FormatSint128    FormatType = 0x13
	FormatFloat32    FormatType = 0x14
	FormatFloat64    FormatType = 0x15
	FormatMedFloat16 FormatType = 0x16
	FormatMedFloat32 FormatType = 0x17
	FormatMedNomCode FormatType = 0x18
	FormatUTF8       FormatType = 0x19
	FormatUTF16      FormatType = 0x1A
	FormatStruct     FormatType = 0x1B
)

var formatNames = map[FormatType]string{
	FormatBoolean:    "boolean",
	FormatUint2:      "uint2",
	FormatUint4:      "uint4",
	FormatUint8:      "uint8",
	FormatUint12:     "uint12",
	FormatUint16:     "uint16",
	FormatUint24:     "uint24",
	FormatUint32:     "uint32",
	FormatUint48:     "uint48",
	FormatUint64:     "uint64",
	FormatUint128:    "uint128",
	FormatSint8:      "sint8",
	FormatSint12:     "sint12",
	FormatSint16:     "sint16",
	FormatSint24:     "sint24",
	FormatSint32:     "sint32",
	FormatSint48:     "sint48",
	FormatSint64:     "sint64",
	FormatSint128:    "sint128",
	FormatFloat32:    "float32",
	FormatFloat64:    "float64",
	FormatMedFloat16: "medfloat16",
	FormatMedFloat32: "medfloat32",
	FormatMedNomCode: "mednomcode",
	FormatUTF8:       "utf8s",
	FormatUTF16:      "utf16s",
	FormatStruct:     "struct",
}

// ParseFormatType maps a raw format byte; unassigned values map to FormatUnknown.
func ParseFormatType(b uint8) FormatType {
	if _, ok := formatNames[FormatType(b)]; ok {
		return FormatType(b)
	}
	return FormatUnknown
}

func (f FormatType) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return "unknown"
}

func (f FormatType) unsigned() bool { return f >= FormatUint2 && f <= FormatUint64 }
func (f FormatType) signed() bool   { return f >= FormatSint8 && f <= FormatSint64 }

// PresentationFormat is the decoded Characteristic Presentation Format descriptor (0x2904).
type PresentationFormat struct {
	Format      FormatType
	Exponent    int8   // value = raw * 10^Exponent
	Unit        uint16 // org.bluetooth.unit.* assigned number
	Namespace   uint8  // 0x01 = Bluetooth SIG
	Description uint16
}

// PresentationFormatLen is the size of the descriptor value.
const PresentationFormatLen = 7

// ParsePresentationFormat decodes the 7-byte little-endian descriptor value:
// Format(1), Exponent(1, signed), Unit(2), Namespace(1), Description(2).
// An unassigned format byte yields FormatUnknown, not an error.
func ParsePresentationFormat(data []byte) (PresentationFormat, error) {
	if len(data) != PresentationFormatLen {
		return PresentationFormat{}, fmt.Errorf("invalid length for presentation format: expected %d, got %d", PresentationFormatLen, len(data))
	}
	return PresentationFormat{
		Format:      ParseFormatType(data[0]),
		Exponent:    int8(data[1]),
		Unit:        binary.LittleEndian.Uint16(data[2:4]),
		Namespace:   data[4],
		Description: binary.LittleEndian.Uint16(data[5:7]),
	}, nil
}

// IsValid reports whether the format byte was recognised.
func (pf PresentationFormat) IsValid() bool {
	return pf.Format != FormatUnknown
}

// UnitString returns the unit suffix, or "" if the unit code is not in the table.
func (pf PresentationFormat) UnitString() string {
	return unitStrings[pf.Unit]
}

// DescriptionString returns the description word. Only the Bluetooth SIG
// namespace (0x01) is resolved.
func (pf PresentationFormat) DescriptionString() string {
	if pf.Namespace != 0x01 {
		return ""
	}
	return descriptionStrings[pf.Description]
}

// Render formats value according to the descriptor. The boolean is false when
// the format is unsupported or the bytes don't fit it; Render never panics.
func (pf PresentationFormat) Render(value []byte) (string, bool) {
	s, ok := pf.formatValue(value)
	if !ok {
		return "", false
	}
	if u := pf.UnitString(); u != "" {
		s = s + " " + u
	}
	if d := pf.DescriptionString(); d != "" {
		s = s + " (" + d + ")"
	}
	return s, true
}

func (pf PresentationFormat) formatValue(value []byte) (string, bool) {
	switch {
	case pf.Format == FormatBoolean:
		if len(value) < 1 {
			return "", false
		}
		return strconv.FormatBool(value[0] == 1), true

	case pf.Format.unsigned():
		if len(value) == 0 {
			return "", false
		}
		return scaleDecimal(new(big.Int).SetBytes(reversed(value)), int(pf.Exponent)), true

	case pf.Format.signed():
		if len(value) == 0 {
			return "", false
		}
		return scaleDecimal(signedFromLE(value), int(pf.Exponent)), true

	case pf.Format == FormatFloat32:
		if len(value) < 4 {
			return "", false
		}
		f := math.Float32frombits(binary.LittleEndian.Uint32(value))
		return formatFloat(float64(f), 32), true

	case pf.Format == FormatFloat64:
		if len(value) < 8 {
			return "", false
		}
		f := math.Float64frombits(binary.LittleEndian.Uint64(value))
		return formatFloat(f, 64), true

	case pf.Format == FormatUTF8:
		return strings.ToValidUTF8(string(value), string(utf8.RuneError)), true

	case pf.Format == FormatUTF16:
		// BOM wins when present; big-endian otherwise
		s, err := unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewDecoder().Bytes(value)
		if err != nil {
			return "", false
		}
		return string(s), true

	default:
		// 128-bit integers, medical floats, struct and unknown
		return "", false
	}
}

func reversed(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// signedFromLE interprets little-endian bytes as a two's complement integer.
func signedFromLE(b []byte) *big.Int {
	n := new(big.Int).SetBytes(reversed(b))
	if b[len(b)-1]&0x80 != 0 {
		n.Sub(n, new(big.Int).Lsh(big.NewInt(1), uint(len(b)*8)))
	}
	return n
}

// scaleDecimal renders n * 10^exp as a plain decimal string, keeping the
// number of fractional digits implied by a negative exponent.
func scaleDecimal(n *big.Int, exp int) string {
	if exp >= 0 {
		return new(big.Int).Mul(n, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)).String()
	}

	digits := new(big.Int).Abs(n).String()
	frac := -exp
	if len(digits) <= frac {
		digits = strings.Repeat("0", frac-len(digits)+1) + digits
	}
	point := len(digits) - frac
	s := digits[:point] + "." + digits[point:]
	if n.Sign() < 0 {
		s = "-" + s
	}
	return s
}

// formatFloat prints the shortest exact decimal and keeps a fractional digit
// on whole numbers, so 2 renders as "2.0".
func formatFloat(f float64, bitSize int) string {
	s := strconv.FormatFloat(f, 'f', -1, bitSize)
	if math.IsInf(f, 0) || math.IsNaN(f) || strings.Contains(s, ".") {
		return s
	}
	return s + ".0"
}
