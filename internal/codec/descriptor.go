package codec

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/srg/blesupport/internal/bledb"
)

// Well-known GATT descriptor UUIDs, normalized 16-bit form.
const (
	DescriptorExtendedProperties = "2900"
	DescriptorUserDescription    = "2901"
	DescriptorClientConfig       = "2902"
	DescriptorPresentationFormat = "2904"
)

// Client Characteristic Configuration values.
var (
	ClientConfigDisabled      = []byte{0x00, 0x00}
	ClientConfigNotifications = []byte{0x01, 0x00}
	ClientConfigIndications   = []byte{0x02, 0x00}
)

// ExtendedProperties is the Characteristic Extended Properties descriptor (0x2900).
type ExtendedProperties struct {
	ReliableWrite       bool
	WritableAuxiliaries bool
}

// ClientConfig is the Client Characteristic Configuration descriptor (0x2902).
type ClientConfig struct {
	Notifications bool
	Indications   bool
}

func (c ClientConfig) String() string {
	switch {
	case c.Notifications && c.Indications:
		return "notifications, indications"
	case c.Notifications:
		return "notifications"
	case c.Indications:
		return "indications"
	default:
		return "disabled"
	}
}

// ParseExtendedProperties parses the 2-byte extended properties bitfield.
func ParseExtendedProperties(data []byte) (ExtendedProperties, error) {
	if len(data) != 2 {
		return ExtendedProperties{}, fmt.Errorf("invalid length for extended properties: expected 2, got %d", len(data))
	}
	v := binary.LittleEndian.Uint16(data)
	return ExtendedProperties{
		ReliableWrite:       v&0x0001 != 0,
		WritableAuxiliaries: v&0x0002 != 0,
	}, nil
}

// ParseClientConfig parses the 2-byte CCCD bitfield.
func ParseClientConfig(data []byte) (ClientConfig, error) {
	if len(data) != 2 {
		return ClientConfig{}, fmt.Errorf("invalid length for client config: expected 2, got %d", len(data))
	}
	v := binary.LittleEndian.Uint16(data)
	return ClientConfig{
		Notifications: v&0x0001 != 0,
		Indications:   v&0x0002 != 0,
	}, nil
}

// ParseUserDescription parses the Characteristic User Description (0x2901),
// trimming trailing NULs.
func ParseUserDescription(data []byte) (string, error) {
	s := strings.TrimRight(string(data), "\x00")
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("invalid UTF-8 in user description")
	}
	return s, nil
}

// DescribeDescriptor renders a descriptor value for display. Known descriptors are
// decoded; anything else, or a value that fails to parse, is rendered via DecodeAsString.
func DescribeDescriptor(uuid string, data []byte) string {
	if len(data) == 0 {
		return ""
	}
	switch bledb.NormalizeUUID(uuid) {
	case DescriptorExtendedProperties:
		if ep, err := ParseExtendedProperties(data); err == nil {
			return fmt.Sprintf("reliable write: %t, writable auxiliaries: %t", ep.ReliableWrite, ep.WritableAuxiliaries)
		}
	case DescriptorUserDescription:
		if s, err := ParseUserDescription(data); err == nil {
			return s
		}
	case DescriptorClientConfig:
		if cc, err := ParseClientConfig(data); err == nil {
			return cc.String()
		}
	case DescriptorPresentationFormat:
		if pf, err := ParsePresentationFormat(data); err == nil {
			return pf.String()
		}
	}
	return DecodeAsString(data)
}

func (pf PresentationFormat) String() string {
	s := fmt.Sprintf("format=%s exponent=%d unit=0x%04X namespace=0x%02X description=0x%04X",
		pf.Format, pf.Exponent, pf.Unit, pf.Namespace, pf.Description)
	if u := pf.UnitString(); u != "" {
		s += " (" + u + ")"
	}
	return s
}
