package codec

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func float32LE(f float32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(f))
	return b
}

func float64LE(f float64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, math.Float64bits(f))
	return b
}

func TestParsePresentationFormat(t *testing.T) {
	t.Run("decodes all fields little-endian", func(t *testing.T) {
		pf, err := ParsePresentationFormat([]byte{0x06, 0xFE, 0xAD, 0x27, 0x01, 0x02, 0x00})
		require.NoError(t, err)
		assert.Equal(t, PresentationFormat{
			Format:      FormatUint16,
			Exponent:    -2,
			Unit:        0x27AD,
			Namespace:   0x01,
			Description: 0x0002,
		}, pf)
		assert.True(t, pf.IsValid())
	})

	t.Run("unassigned format byte maps to unknown", func(t *testing.T) {
		pf, err := ParsePresentationFormat([]byte{0x30, 0, 0, 0, 0, 0, 0})
		require.NoError(t, err, "unknown format MUST NOT be an error")
		assert.Equal(t, FormatUnknown, pf.Format)
		assert.False(t, pf.IsValid())
	})

	t.Run("rejects wrong length", func(t *testing.T) {
		_, err := ParsePresentationFormat([]byte{0x06, 0x00})
		assert.Error(t, err)
	})
}

func TestPresentationFormatRender(t *testing.T) {
	tests := []struct {
		name     string
		pf       PresentationFormat
		value    []byte
		expected string
		ok       bool
	}{
		{"uint16 plain", PresentationFormat{Format: FormatUint16}, []byte{0x10, 0x00}, "16", true},
		{"uint8 sub-byte width", PresentationFormat{Format: FormatUint4}, []byte{0x0F}, "15", true},
		{"uint24", PresentationFormat{Format: FormatUint24}, []byte{0x01, 0x00, 0x01}, "65537", true},
		{"uint64 max", PresentationFormat{Format: FormatUint64}, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, "18446744073709551615", true},
		{"uint16 positive exponent", PresentationFormat{Format: FormatUint16, Exponent: 2}, []byte{0x03, 0x00}, "300", true},
		{"uint8 negative exponent pads", PresentationFormat{Format: FormatUint8, Exponent: -2}, []byte{0x05}, "0.05", true},
		{"uint16 negative exponent keeps scale", PresentationFormat{Format: FormatUint16, Exponent: -2}, []byte{0xD2, 0x04}, "12.34", true},
		{"sint16 negative", PresentationFormat{Format: FormatSint16}, []byte{0xFE, 0xFF}, "-2", true},
		{"sint8 positive", PresentationFormat{Format: FormatSint8}, []byte{0x7F}, "127", true},
		{"sint16 negative with exponent", PresentationFormat{Format: FormatSint16, Exponent: -1}, []byte{0x9C, 0xFF}, "-10.0", true},
		{"sint8 small negative with exponent", PresentationFormat{Format: FormatSint8, Exponent: -3}, []byte{0xFB}, "-0.005", true},
		{"float32", PresentationFormat{Format: FormatFloat32}, float32LE(1.5), "1.5", true},
		{"float64", PresentationFormat{Format: FormatFloat64}, float64LE(-273.15), "-273.15", true},
		{"float32 whole number keeps fraction", PresentationFormat{Format: FormatFloat32}, float32LE(2), "2.0", true},
		{"float64 whole negative", PresentationFormat{Format: FormatFloat64}, float64LE(-40), "-40.0", true},
		{"float32 too short", PresentationFormat{Format: FormatFloat32}, []byte{0x00, 0x00}, "", false},
		{"boolean true", PresentationFormat{Format: FormatBoolean}, []byte{0x01}, "true", true},
		{"boolean false", PresentationFormat{Format: FormatBoolean}, []byte{0x02}, "false", true},
		{"boolean empty", PresentationFormat{Format: FormatBoolean}, nil, "", false},
		{"utf8", PresentationFormat{Format: FormatUTF8}, []byte("hi"), "hi", true},
		{"utf16 big-endian default", PresentationFormat{Format: FormatUTF16}, []byte{0x00, 'h', 0x00, 'i'}, "hi", true},
		{"utf16 little-endian BOM", PresentationFormat{Format: FormatUTF16}, []byte{0xFF, 0xFE, 'h', 0x00, 'i', 0x00}, "hi", true},
		{"unit suffix", PresentationFormat{Format: FormatUint8, Unit: 0x27AD}, []byte{50}, "50 Percent", true},
		{"unitless has no suffix", PresentationFormat{Format: FormatUint8, Unit: 0x2700}, []byte{50}, "50", true},
		{"description in SIG namespace", PresentationFormat{Format: FormatUint8, Namespace: 0x01, Description: 0x0002}, []byte{5}, "5 (second)", true},
		{"description ignored outside SIG namespace", PresentationFormat{Format: FormatUint8, Namespace: 0x02, Description: 0x0002}, []byte{5}, "5", true},
		{"unit and description", PresentationFormat{Format: FormatSint16, Exponent: -2, Unit: 0x272F, Namespace: 0x01, Description: 0x010B}, []byte{0x2A, 0x09}, "23.46 C (inside)", true},
		{"uint128 unsupported", PresentationFormat{Format: FormatUint128}, make([]byte, 16), "", false},
		{"medical float unsupported", PresentationFormat{Format: FormatMedFloat16}, []byte{0x00, 0x00}, "", false},
		{"struct unsupported", PresentationFormat{Format: FormatStruct}, []byte{0x01}, "", false},
		{"unknown unsupported", PresentationFormat{Format: FormatUnknown}, []byte{0x01}, "", false},
		{"integer empty", PresentationFormat{Format: FormatUint16}, nil, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.pf.Render(tt.value)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestDecodeAsString(t *testing.T) {
	assert.Equal(t, "ffab", DecodeAsString([]byte{0xFF, 0xAB}), "invalid UTF-8 MUST fall back to hex")
	assert.Equal(t, "0a00ff", DecodeAsString([]byte{0x0A, 0x00, 0xFF}), "hex MUST be zero padded")
	assert.Equal(t, "hello", DecodeAsString([]byte("hello")))
	assert.Equal(t, "", DecodeAsString(nil))
}

func TestDecode(t *testing.T) {
	pf := &PresentationFormat{Format: FormatUint16}
	assert.Equal(t, "16", Decode(pf, []byte{0x10, 0x00}))
	assert.Equal(t, "ffab", Decode(&PresentationFormat{Format: FormatStruct}, []byte{0xFF, 0xAB}), "unsupported format MUST fall back")
	assert.Equal(t, "hi", Decode(nil, []byte("hi")))
}

func TestHexHelpers(t *testing.T) {
	assert.Equal(t, "0x0AFF", FormatHexPrefixed([]byte{0x0A, 0xFF}))

	tests := []struct {
		in       string
		expected []byte
		ok       bool
	}{
		{"0a0b", []byte{0x0A, 0x0B}, true},
		{"0x0A0B", []byte{0x0A, 0x0B}, true},
		{"abc", []byte{0x0A, 0xBC}, true},
		{"0x1", []byte{0x01}, true},
		{"", []byte{}, true},
		{"zz", nil, false},
		{"0xg1", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			b, ok := ParseHex(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.expected, b)
			}
		})
	}
}

func TestDescriptionTable(t *testing.T) {
	cases := map[uint16]string{
		0x0001: "first",
		0x000C: "twelfth",
		0x0014: "twentieth",
		0x0015: "twenty first",
		0x0064: "one hundredth",
		0x0065: "one hundred and first",
		0x006E: "one hundred and tenth",
		0x0078: "one hundred twentieth",
		0x0079: "one hundred and twenty first",
		0x00C8: "two hundredth",
		0x00FF: "two hundred and fifty fifth",
		0x0100: "front",
		0x010B: "inside",
		0x0110: "external",
	}
	for code, word := range cases {
		assert.Equal(t, word, descriptionStrings[code], "code 0x%04X", code)
	}
	_, ok := descriptionStrings[0x0000]
	assert.False(t, ok, "0x0000 (unknown) MUST NOT resolve")
}

func TestDescriptorParsers(t *testing.T) {
	cc, err := ParseClientConfig([]byte{0x01, 0x00})
	require.NoError(t, err)
	assert.True(t, cc.Notifications)
	assert.False(t, cc.Indications)

	_, err = ParseClientConfig([]byte{0x01})
	assert.Error(t, err)

	desc, err := ParseUserDescription([]byte("Temp\x00\x00"))
	require.NoError(t, err)
	assert.Equal(t, "Temp", desc)

	_, err = ParseUserDescription([]byte{0xFF, 0xFE})
	assert.Error(t, err)

	ep, err := ParseExtendedProperties([]byte{0x03, 0x00})
	require.NoError(t, err)
	assert.True(t, ep.ReliableWrite)
	assert.True(t, ep.WritableAuxiliaries)

	assert.Equal(t, "notifications", DescribeDescriptor("2902", ClientConfigNotifications))
	assert.Equal(t, "Temp", DescribeDescriptor("00002901-0000-1000-8000-00805f9b34fb", []byte("Temp")))
	assert.Contains(t, DescribeDescriptor("2904", []byte{0x06, 0x00, 0xAD, 0x27, 0x01, 0x00, 0x00}), "format=uint16")
	assert.Equal(t, "", DescribeDescriptor("2902", nil), "empty value MUST render empty")
}
