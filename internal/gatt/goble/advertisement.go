package goble

import (
	"slices"

	"github.com/go-ble/ble"

	"github.com/srg/blesupport/internal/device"
)

// advertisement is the part of ble.Advertisement the wrapper reads.
type advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	ServiceData() []ble.ServiceData
	Services() []ble.UUID
	TxPowerLevel() int
	Connectable() bool
	RSSI() int
	Addr() ble.Addr
}

// AD structure types used when re-encoding a sighting.
const (
	adComplete16     = 0x03
	adComplete32     = 0x05
	adComplete128    = 0x07
	adCompleteName   = 0x09
	adTxPower        = 0x0A
	adServiceData16  = 0x16
	adServiceData32  = 0x20
	adServiceData128 = 0x21
	adManufacturer   = 0xFF

	// txPowerUnknown is what go-ble reports when the AD has no TX power.
	txPowerUnknown = 127
)

// Advertisement adapts a go-ble sighting to device.Advertisement.
type Advertisement struct {
	adv advertisement
}

var _ device.Advertisement = (*Advertisement)(nil)

func NewAdvertisement(adv ble.Advertisement) *Advertisement {
	return &Advertisement{adv: adv}
}

func (a *Advertisement) Addr() string             { return a.adv.Addr().String() }
func (a *Advertisement) LocalName() string        { return a.adv.LocalName() }
func (a *Advertisement) ManufacturerData() []byte { return a.adv.ManufacturerData() }
func (a *Advertisement) Connectable() bool        { return a.adv.Connectable() }
func (a *Advertisement) RSSI() int                { return a.adv.RSSI() }

func (a *Advertisement) Services() []string {
	uuids := a.adv.Services()
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = u.String()
	}
	return out
}

// Raw re-encodes the decoded AD structures. go-ble does not expose the packet
// bytes on every platform, so the encoding is rebuilt from the parsed fields.
func (a *Advertisement) Raw() []byte {
	var out []byte
	if name := a.adv.LocalName(); name != "" {
		out = appendAD(out, adCompleteName, []byte(name))
	}

	var by16, by32, by128 []byte
	for _, u := range a.adv.Services() {
		switch u.Len() {
		case 2:
			by16 = append(by16, u...)
		case 4:
			by32 = append(by32, u...)
		case 16:
			by128 = append(by128, u...)
		}
	}
	out = appendAD(out, adComplete16, by16)
	out = appendAD(out, adComplete32, by32)
	out = appendAD(out, adComplete128, by128)

	if tx := a.adv.TxPowerLevel(); tx != txPowerUnknown {
		out = appendAD(out, adTxPower, []byte{byte(int8(tx))})
	}
	for _, sd := range a.adv.ServiceData() {
		typ := byte(adServiceData16)
		switch sd.UUID.Len() {
		case 4:
			typ = adServiceData32
		case 16:
			typ = adServiceData128
		}
		out = appendAD(out, typ, append(slices.Clone([]byte(sd.UUID)), sd.Data...))
	}
	out = appendAD(out, adManufacturer, a.adv.ManufacturerData())
	return out
}

// appendAD appends one length-type-value structure; empty or oversized data is skipped.
func appendAD(out []byte, typ byte, data []byte) []byte {
	if len(data) == 0 || len(data) > 254 {
		return out
	}
	out = append(out, byte(len(data)+1), typ)
	return append(out, data...)
}
