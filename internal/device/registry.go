package device

import (
	"sort"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/blesupport/internal/ringchan"
)

// EventType says what happened to a Device in the Registry.
type EventType int

const (
	EventAdded EventType = iota
	EventUpdated
	EventRemoved
)

func (t EventType) String() string {
	switch t {
	case EventAdded:
		return "added"
	case EventUpdated:
		return "updated"
	case EventRemoved:
		return "removed"
	}
	return "unknown"
}

// Event is a registry change notification.
type Event struct {
	Type   EventType
	Device *Device
}

// RegistryOptions tune the Registry. Zero fields take their defaults.
type RegistryOptions struct {
	StaleAfter   time.Duration `default:"30s"`
	RSSIWindow   int           `default:"3"`
	EventBuffer  int           `default:"100"`
	StreamBuffer int           `default:"16"`
}

// Registry holds at most one Device per address.
type Registry struct {
	// mu serializes inserts and removals; lookups stay lock-free.
	mu      sync.Mutex
	devices *hashmap.Map[string, *Device]
	events  *ringchan.Broadcaster[Event]
	opts    RegistryOptions
	now     func() time.Time
	logger  *logrus.Logger
}

// NewRegistry creates an empty registry. opts may be nil.
func NewRegistry(opts *RegistryOptions, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	o := RegistryOptions{}
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)

	return &Registry{
		devices: hashmap.New[string, *Device](),
		events:  ringchan.NewBroadcaster[Event](o.EventBuffer, false),
		opts:    o,
		now:     time.Now,
		logger:  logger,
	}
}

// SetClock replaces the time source used for last-seen and staleness.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Observe applies a scan sighting, creating the Device on first sight.
func (r *Registry) Observe(adv Advertisement) *Device {
	addr := adv.Addr()
	dev, loaded := r.getOrCreate(addr)
	dev.Update(adv, r.now())

	evt := EventUpdated
	if !loaded {
		evt = EventAdded
		r.logger.WithFields(logrus.Fields{
			"address": addr,
			"name":    dev.Name(),
			"rssi":    adv.RSSI(),
		}).Debug("Device discovered")
	}
	r.events.Publish(Event{Type: evt, Device: dev})
	return dev
}

// Lost removes a Device after the platform reported the match as lost.
func (r *Registry) Lost(address string) (*Device, bool) {
	r.mu.Lock()
	dev, ok := r.devices.Get(address)
	if !ok || !r.devices.Del(address) {
		r.mu.Unlock()
		return nil, false
	}
	r.mu.Unlock()
	r.logger.WithField("address", address).Debug("Device lost")
	r.events.Publish(Event{Type: EventRemoved, Device: dev})
	return dev, true
}

func (r *Registry) Get(address string) (*Device, bool) {
	return r.devices.Get(address)
}

func (r *Registry) Len() int {
	return r.devices.Len()
}

// Devices returns every known Device, stale ones included, ordered by address.
func (r *Registry) Devices() []*Device {
	out := make([]*Device, 0, r.devices.Len())
	r.devices.Range(func(_ string, d *Device) bool {
		out = append(out, d)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Address() < out[j].Address() })
	return out
}

// ValidDevices returns the devices seen within the stale window, strongest signal first.
func (r *Registry) ValidDevices() []*Device {
	now := r.now()
	out := make([]*Device, 0, r.devices.Len())
	r.devices.Range(func(_ string, d *Device) bool {
		if d.IsValid(now, r.opts.StaleAfter) {
			out = append(out, d)
		}
		return true
	})
	SortBySignal(out)
	return out
}

// SortBySignal orders devices by smoothed RSSI, strongest first; ties by address.
func SortBySignal(devices []*Device) {
	sort.SliceStable(devices, func(i, j int) bool {
		ri, rj := devices[i].SmoothedRSSI(), devices[j].SmoothedRSSI()
		if ri != rj {
			return ri > rj
		}
		return devices[i].Address() < devices[j].Address()
	})
}

// IsValid applies the registry's stale window to d.
func (r *Registry) IsValid(d *Device) bool {
	return d.IsValid(r.now(), r.opts.StaleAfter)
}

// Events subscribes to added/updated/removed notifications.
func (r *Registry) Events() *ringchan.Subscription[Event] {
	return r.events.Subscribe()
}

// Device returns the Device for address, creating an unseen placeholder when
// a caller targets an address that was never scanned (e.g. a direct connect).
func (r *Registry) Device(address string) *Device {
	dev, _ := r.getOrCreate(address)
	return dev
}

func (r *Registry) getOrCreate(address string) (*Device, bool) {
	if dev, ok := r.devices.Get(address); ok {
		return dev, true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if dev, ok := r.devices.Get(address); ok {
		return dev, true
	}
	dev := NewDevice(address, r.opts.RSSIWindow, r.opts.StreamBuffer)
	r.devices.Set(address, dev)
	return dev, false
}

// Close ends the event stream and every device stream.
func (r *Registry) Close() {
	r.events.Close()
	r.devices.Range(func(_ string, d *Device) bool {
		d.Close()
		return true
	})
}
