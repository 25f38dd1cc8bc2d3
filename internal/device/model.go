package device

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/srg/blesupport/internal/bledb"
	"github.com/srg/blesupport/internal/codec"
	"github.com/srg/blesupport/internal/ringchan"
)

// UnknownName is reported when neither the GATT name nor an advertised name is known.
const UnknownName = "Unknown"

// DefaultStreamBuffer is the per-subscriber buffer of the Device streams.
const DefaultStreamBuffer = 16

// ManufacturerData is one manufacturer-specific advertisement entry.
type ManufacturerData struct {
	CompanyID uint16
	Data      []byte
}

// UnknownCompany labels manufacturer data from an unregistered vendor.
const UnknownCompany = "Unknown Company"

// Company resolves the vendor id, falling back to its hex form.
func (m ManufacturerData) Company() string {
	return bledb.CompanyName(m.CompanyID)
}

// String renders the entry as "Company (0x004C):\n0x0215".
func (m ManufacturerData) String() string {
	company := bledb.LookupCompany(m.CompanyID)
	if company == "" {
		company = UnknownCompany
	}
	return fmt.Sprintf("%s (0x%04X):\n%s", company, m.CompanyID, codec.FormatHexPrefixed(m.Data))
}

// ParseManufacturerData splits the raw AD payload into vendor id and data.
// Payloads shorter than the vendor id yield nil.
func ParseManufacturerData(raw []byte) []ManufacturerData {
	if len(raw) < 2 {
		return nil
	}
	return []ManufacturerData{{
		CompanyID: binary.LittleEndian.Uint16(raw[:2]),
		Data:      slices.Clone(raw[2:]),
	}}
}

// DescriptorRead is published for every successful descriptor read.
type DescriptorRead struct {
	Characteristic string
	Descriptor     string
	Value          []byte
}

// ValueChange is published for every notification or indication.
type ValueChange struct {
	Characteristic string
	Value          []byte
}

// Device is one discovered peripheral. The address never changes; everything
// else is refreshed in place by scan sightings and GATT events.
type Device struct {
	address string

	mu               sync.RWMutex
	name             string
	advertisedName   string
	lastSeen         time.Time
	raw              []byte
	manufacturer     []ManufacturerData
	services         []string
	connectable      bool
	rssi             *MovingAverage
	bucket           int
	status           ConnectionStatus
	userDescriptions map[string]string

	statuses    *ringchan.Broadcaster[ConnectionStatus]
	descriptors *ringchan.Broadcaster[DescriptorRead]
	values      *ringchan.Broadcaster[ValueChange]
}

// NewDevice creates a Device with the given RSSI window and per-subscriber stream buffer.
func NewDevice(address string, rssiWindow, streamBuffer int) *Device {
	if streamBuffer <= 0 {
		streamBuffer = DefaultStreamBuffer
	}
	d := &Device{
		address:          address,
		rssi:             NewMovingAverage(rssiWindow),
		userDescriptions: make(map[string]string),
		statuses:         ringchan.NewBroadcaster[ConnectionStatus](streamBuffer, true),
		descriptors:      ringchan.NewBroadcaster[DescriptorRead](streamBuffer, true),
		values:           ringchan.NewBroadcaster[ValueChange](streamBuffer, false),
	}
	d.statuses.Publish(Disconnected)
	return d
}

func (d *Device) Address() string { return d.address }

// Update applies a scan sighting taken at now.
func (d *Device) Update(adv Advertisement, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.lastSeen = now
	if name := adv.LocalName(); name != "" {
		d.advertisedName = name
	}
	d.raw = slices.Clone(adv.Raw())
	if md := ParseManufacturerData(adv.ManufacturerData()); md != nil {
		d.manufacturer = md
	}
	if svcs := adv.Services(); len(svcs) > 0 {
		d.services = bledb.NormalizeUUIDs(svcs)
	}
	d.connectable = adv.Connectable()
	d.rssi.Add(adv.RSSI())
	d.bucket = SignalBucket(d.rssiLocked())
}

func (d *Device) rssiLocked() int {
	return int(math.Round(d.rssi.Value()))
}

// SetName records the GATT device name.
func (d *Device) SetName(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.name = name
}

// Name is the GATT device name, else the advertised name, else UnknownName.
func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	switch {
	case d.name != "":
		return d.name
	case d.advertisedName != "":
		return d.advertisedName
	}
	return UnknownName
}

func (d *Device) AdvertisedName() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.advertisedName
}

// Company joins the vendor names of the manufacturer data, "" if there is none.
func (d *Device) Company() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.manufacturer))
	for _, m := range d.manufacturer {
		names = append(names, m.Company())
	}
	return strings.Join(names, ", ")
}

// DisplayName is the advertised (or resolved) name with the company appended.
func (d *Device) DisplayName() string {
	base := d.AdvertisedName()
	if base == "" {
		base = d.Name()
	}
	if company := d.Company(); company != "" {
		return base + " - " + company
	}
	return base
}

func (d *Device) ManufacturerData() []ManufacturerData {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.manufacturer)
}

func (d *Device) Raw() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.raw)
}

func (d *Device) Services() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.services)
}

func (d *Device) Connectable() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connectable
}

func (d *Device) LastSeen() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastSeen
}

// RSSI is the smoothed signal strength rounded to the nearest dBm.
func (d *Device) RSSI() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rssiLocked()
}

// SmoothedRSSI is the unrounded moving average.
func (d *Device) SmoothedRSSI() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rssi.Value()
}

// Bucket is the 0..3 signal bucket of the smoothed RSSI.
func (d *Device) Bucket() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.bucket
}

// IsValid reports whether the device was seen within staleAfter of now and has an address.
func (d *Device) IsValid(now time.Time, staleAfter time.Duration) bool {
	if d.address == "" {
		return false
	}
	last := d.LastSeen()
	return !last.IsZero() && now.Sub(last) <= staleAfter
}

func (d *Device) Status() ConnectionStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

// SetStatus publishes a status transition. Repeating the current status is a no-op.
func (d *Device) SetStatus(s ConnectionStatus) {
	d.mu.Lock()
	if d.status == s {
		d.mu.Unlock()
		return
	}
	d.status = s
	d.mu.Unlock()
	d.statuses.Publish(s)
}

// Statuses subscribes to status transitions; the current status is replayed first.
func (d *Device) Statuses() *ringchan.Subscription[ConnectionStatus] {
	return d.statuses.Subscribe()
}

// PublishDescriptor records a descriptor read. User descriptions (0x2901)
// become the characteristic's fallback name.
func (d *Device) PublishDescriptor(r DescriptorRead) {
	if bledb.NormalizeUUID(r.Descriptor) == codec.DescriptorUserDescription {
		if desc, err := codec.ParseUserDescription(r.Value); err == nil && desc != "" {
			d.mu.Lock()
			d.userDescriptions[bledb.NormalizeUUID(r.Characteristic)] = desc
			d.mu.Unlock()
		}
	}
	d.descriptors.Publish(r)
}

// Descriptors subscribes to descriptor reads; the latest read is replayed first.
func (d *Device) Descriptors() *ringchan.Subscription[DescriptorRead] {
	return d.descriptors.Subscribe()
}

func (d *Device) PublishValue(v ValueChange) {
	d.values.Publish(v)
}

// Values subscribes to notifications and indications.
func (d *Device) Values() *ringchan.Subscription[ValueChange] {
	return d.values.Subscribe()
}

// CharacteristicName resolves SIG characteristics by table; vendor ones use
// the user description when one was read, else the normalized UUID.
func (d *Device) CharacteristicName(uuid string) string {
	id := bledb.NormalizeUUID(uuid)
	if name := bledb.LookupCharacteristic(id); name != "" {
		return name
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if desc, ok := d.userDescriptions[id]; ok {
		return desc
	}
	return id
}

// Close ends every stream of the device.
func (d *Device) Close() {
	d.statuses.Close()
	d.descriptors.Close()
	d.values.Close()
}
