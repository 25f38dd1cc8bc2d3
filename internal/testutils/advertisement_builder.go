package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/srg/blesupport/internal/device"
)

// FakeAdvertisement is a static device.Advertisement.
type FakeAdvertisement struct {
	Address       string
	Name          string
	RSSIValue     int
	ServiceUUIDs  []string
	Manufacturer  []byte
	IsConnectable bool
	RawBytes      []byte
}

var _ device.Advertisement = (*FakeAdvertisement)(nil)

func (a *FakeAdvertisement) Addr() string             { return a.Address }
func (a *FakeAdvertisement) LocalName() string        { return a.Name }
func (a *FakeAdvertisement) ManufacturerData() []byte { return a.Manufacturer }
func (a *FakeAdvertisement) Services() []string       { return a.ServiceUUIDs }
func (a *FakeAdvertisement) Connectable() bool        { return a.IsConnectable }
func (a *FakeAdvertisement) RSSI() int                { return a.RSSIValue }
func (a *FakeAdvertisement) Raw() []byte              { return a.RawBytes }

// AdvertisementBuilder builds fake advertisements with a fluent API.
type AdvertisementBuilder struct {
	adv FakeAdvertisement
}

// NewAdvertisementBuilder starts from a connectable advertisement at -50 dBm.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: FakeAdvertisement{RSSIValue: -50, IsConnectable: true}}
}

func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.Address = addr
	return b
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.Name = name
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.RSSIValue = rssi
	return b
}

// WithServices adds service UUIDs in any accepted form ("180D" or 128-bit).
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.ServiceUUIDs = append(b.adv.ServiceUUIDs, uuids...)
	return b
}

// WithManufacturerData sets the raw manufacturer payload, vendor id first.
func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.adv.Manufacturer = data
	return b
}

func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.adv.IsConnectable = c
	return b
}

func (b *AdvertisementBuilder) WithRaw(raw []byte) *AdvertisementBuilder {
	b.adv.RawBytes = raw
	return b
}

// FromJSON fills fields present in the JSON document. Panics on invalid JSON
// as this is only used to set up test data.
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...any) *AdvertisementBuilder {
	var data struct {
		Name             *string  `json:"name"`
		Address          *string  `json:"address"`
		RSSI             *int     `json:"rssi"`
		Services         []string `json:"services"`
		ManufacturerData []byte   `json:"manufacturerData"`
		Connectable      *bool    `json:"connectable"`
		Raw              []byte   `json:"raw"`
	}
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &data); err != nil {
		panic(fmt.Sprintf("FromJSON: %v", err))
	}

	if data.Name != nil {
		b.WithName(*data.Name)
	}
	if data.Address != nil {
		b.WithAddress(*data.Address)
	}
	if data.RSSI != nil {
		b.WithRSSI(*data.RSSI)
	}
	if data.Connectable != nil {
		b.WithConnectable(*data.Connectable)
	}
	b.WithServices(data.Services...)
	if data.ManufacturerData != nil {
		b.WithManufacturerData(data.ManufacturerData)
	}
	if data.Raw != nil {
		b.WithRaw(data.Raw)
	}
	return b
}

func (b *AdvertisementBuilder) Build() *FakeAdvertisement {
	adv := b.adv
	return &adv
}
