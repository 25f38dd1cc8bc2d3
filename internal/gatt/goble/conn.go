package goble

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blesupport/internal/bledb"
	"github.com/srg/blesupport/internal/codec"
	"github.com/srg/blesupport/internal/gatt"
	"github.com/srg/blesupport/internal/groutine"
)

// client is the part of ble.Client a Conn drives.
type client interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	ReadDescriptor(d *ble.Descriptor) ([]byte, error)
	WriteDescriptor(d *ble.Descriptor, v []byte) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
}

// disconnectNotifier is implemented by clients that report link loss.
type disconnectNotifier interface {
	Disconnected() <-chan struct{}
}

// Conn is one GATT client link. Requests are queued to a single worker that
// runs the blocking go-ble call and then fires the callback, so callbacks are
// serialized like on a platform callback thread.
type Conn struct {
	address string
	cb      gatt.Callback
	logger  *logrus.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	dialCtx    context.Context
	dialCancel context.CancelFunc

	linkUp              atomic.Bool
	disconnectRequested atomic.Bool

	mu         sync.Mutex
	closed     bool
	client     client
	services   []gatt.Service
	chars      map[string]*ble.Characteristic
	notify     map[string]bool
	indicating map[string]bool
	jobs       []func()
	wake       chan struct{}
}

var _ gatt.Conn = (*Conn)(nil)

func newConn(address string, cb gatt.Callback, logger *logrus.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	dialCtx, dialCancel := context.WithCancel(ctx)
	return &Conn{
		address:    address,
		cb:         cb,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		dialCtx:    dialCtx,
		dialCancel: dialCancel,
		chars:      make(map[string]*ble.Characteristic),
		notify:     make(map[string]bool),
		indicating: make(map[string]bool),
		wake:       make(chan struct{}, 1),
	}
}

func (c *Conn) log() *logrus.Entry {
	return c.logger.WithField("address", c.address)
}

// start launches the worker and queues the dial.
func (c *Conn) start(dial func(ctx context.Context, address string) (client, error)) {
	groutine.Go(c.ctx, "ble-conn-"+c.address, func(ctx context.Context) { c.run(ctx) })
	c.enqueue(func() {
		cl, err := dial(c.dialCtx, c.address)
		if err != nil {
			c.log().WithError(err).Error("Failed to dial BLE device")
			status := gatt.StatusFailure
			if c.disconnectRequested.Load() {
				status = gatt.StatusSuccess
			}
			c.emit(func(cb gatt.Callback) { cb.OnConnectionStateChange(c, status, gatt.StateDisconnected) })
			return
		}

		c.mu.Lock()
		c.client = cl
		c.mu.Unlock()
		c.linkUp.Store(true)

		if n, ok := cl.(disconnectNotifier); ok {
			groutine.Go(c.ctx, "ble-link-monitor", func(ctx context.Context) {
				select {
				case <-n.Disconnected():
					c.enqueue(c.linkDown)
				case <-ctx.Done():
				}
			})
		} else {
			c.log().Debug("Client does not report disconnection")
		}
		c.emit(func(cb gatt.Callback) { cb.OnConnectionStateChange(c, gatt.StatusSuccess, gatt.StateConnected) })
	})
}

func (c *Conn) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		}
		for {
			job, ok := c.next()
			if !ok {
				break
			}
			job()
		}
	}
}

func (c *Conn) next() (func(), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || len(c.jobs) == 0 {
		return nil, false
	}
	job := c.jobs[0]
	c.jobs[0] = nil
	c.jobs = c.jobs[1:]
	return job, true
}

// enqueue reports false once the connection is closed.
func (c *Conn) enqueue(job func()) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.jobs = append(c.jobs, job)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// emit fires a callback unless the connection was closed meanwhile.
func (c *Conn) emit(fn func(gatt.Callback)) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		fn(c.cb)
	}
}

func (c *Conn) linkDown() {
	if !c.linkUp.CompareAndSwap(true, false) {
		return
	}
	status := gatt.StatusFailure
	if c.disconnectRequested.Load() {
		status = gatt.StatusSuccess
	}
	c.log().WithField("requested", c.disconnectRequested.Load()).Debug("Link down")
	c.emit(func(cb gatt.Callback) { cb.OnConnectionStateChange(c, status, gatt.StateDisconnected) })
}

func (c *Conn) Address() string { return c.address }

func (c *Conn) session() (client, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client, c.client != nil && !c.closed
}

func (c *Conn) characteristic(uuid string) (client, *ble.Characteristic, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bc, ok := c.chars[uuid]
	if !ok || c.client == nil || c.closed {
		return nil, nil, false
	}
	return c.client, bc, true
}

func (c *Conn) DiscoverServices() bool {
	cl, ok := c.session()
	if !ok {
		return false
	}
	return c.enqueue(func() {
		p, err := cl.DiscoverProfile(true)
		if err == nil {
			c.setProfile(p)
		} else {
			c.log().WithError(err).Warn("Failed to discover profile")
		}
		c.emit(func(cb gatt.Callback) { cb.OnServicesDiscovered(c, statusOf(err)) })
	})
}

// setProfile indexes the discovered profile by normalized characteristic UUID.
func (c *Conn) setProfile(p *ble.Profile) {
	services := make([]gatt.Service, 0, len(p.Services))
	chars := make(map[string]*ble.Characteristic)
	for _, s := range p.Services {
		svc := gatt.Service{UUID: bledb.NormalizeUUID(s.UUID.String())}
		for _, bc := range s.Characteristics {
			id := bledb.NormalizeUUID(bc.UUID.String())
			descs := make([]string, 0, len(bc.Descriptors)+1)
			for _, d := range bc.Descriptors {
				descs = append(descs, bledb.NormalizeUUID(d.UUID.String()))
			}
			if bc.CCCD != nil && !slices.Contains(descs, codec.DescriptorClientConfig) {
				descs = append(descs, codec.DescriptorClientConfig)
			}
			slices.Sort(descs)
			svc.Characteristics = append(svc.Characteristics, gatt.Characteristic{
				UUID:        id,
				Properties:  gatt.Property(bc.Property),
				Descriptors: descs,
			})
			chars[id] = bc
		}
		services = append(services, svc)
	}

	c.mu.Lock()
	c.services = services
	c.chars = chars
	c.mu.Unlock()
}

func (c *Conn) Services() []gatt.Service {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.services)
}

func (c *Conn) ReadCharacteristic(ch gatt.Characteristic) bool {
	cl, bc, ok := c.characteristic(ch.UUID)
	if !ok {
		return false
	}
	return c.enqueue(func() {
		v, err := cl.ReadCharacteristic(bc)
		c.emit(func(cb gatt.Callback) { cb.OnCharacteristicRead(c, ch.UUID, v, statusOf(err)) })
	})
}

// WriteCharacteristic uses write-without-response only when that is all the
// characteristic supports.
func (c *Conn) WriteCharacteristic(ch gatt.Characteristic, value []byte) bool {
	cl, bc, ok := c.characteristic(ch.UUID)
	if !ok {
		return false
	}
	noRsp := ch.Properties&gatt.PropWrite == 0 && ch.Properties&gatt.PropWriteNoResponse != 0
	value = slices.Clone(value)
	return c.enqueue(func() {
		err := cl.WriteCharacteristic(bc, value, noRsp)
		c.emit(func(cb gatt.Callback) { cb.OnCharacteristicWrite(c, ch.UUID, statusOf(err)) })
	})
}

// SetCharacteristicNotification records the local routing state; the
// subscription itself happens when the client configuration is written.
func (c *Conn) SetCharacteristicNotification(ch gatt.Characteristic, enable bool) bool {
	if _, _, ok := c.characteristic(ch.UUID); !ok {
		return false
	}
	c.mu.Lock()
	c.notify[ch.UUID] = enable
	c.mu.Unlock()
	return true
}

func findDescriptor(bc *ble.Characteristic, uuid string) *ble.Descriptor {
	for _, d := range bc.Descriptors {
		if bledb.NormalizeUUID(d.UUID.String()) == uuid {
			return d
		}
	}
	if uuid == codec.DescriptorClientConfig {
		return bc.CCCD
	}
	return nil
}

func (c *Conn) ReadDescriptor(ch gatt.Characteristic, descriptor string) bool {
	cl, bc, ok := c.characteristic(ch.UUID)
	if !ok {
		return false
	}
	id := bledb.NormalizeUUID(descriptor)
	d := findDescriptor(bc, id)
	if d == nil {
		return false
	}
	return c.enqueue(func() {
		v, err := cl.ReadDescriptor(d)
		c.emit(func(cb gatt.Callback) { cb.OnDescriptorRead(c, ch.UUID, id, v, statusOf(err)) })
	})
}

// WriteDescriptor writes a descriptor. The client configuration descriptor is
// driven through go-ble's Subscribe/Unsubscribe, which write it themselves.
func (c *Conn) WriteDescriptor(ch gatt.Characteristic, descriptor string, value []byte) bool {
	cl, bc, ok := c.characteristic(ch.UUID)
	if !ok {
		return false
	}
	id := bledb.NormalizeUUID(descriptor)
	if id == codec.DescriptorClientConfig {
		return c.enqueue(func() {
			err := c.writeClientConfig(cl, bc, ch.UUID, value)
			c.emit(func(cb gatt.Callback) { cb.OnDescriptorWrite(c, ch.UUID, id, statusOf(err)) })
		})
	}

	d := findDescriptor(bc, id)
	if d == nil {
		return false
	}
	value = slices.Clone(value)
	return c.enqueue(func() {
		err := cl.WriteDescriptor(d, value)
		c.emit(func(cb gatt.Callback) { cb.OnDescriptorWrite(c, ch.UUID, id, statusOf(err)) })
	})
}

func (c *Conn) writeClientConfig(cl client, bc *ble.Characteristic, uuid string, value []byte) error {
	cfg, err := codec.ParseClientConfig(value)
	if err != nil {
		return err
	}

	c.mu.Lock()
	wasIndicating := c.indicating[uuid]
	c.mu.Unlock()

	if !cfg.Notifications && !cfg.Indications {
		return cl.Unsubscribe(bc, wasIndicating)
	}

	ind := cfg.Indications && !cfg.Notifications
	err = cl.Subscribe(bc, ind, func(data []byte) {
		c.changed(uuid, slices.Clone(data))
	})
	if err == nil {
		c.mu.Lock()
		c.indicating[uuid] = ind
		c.mu.Unlock()
	}
	return err
}

// changed routes a go-ble notification through the worker. Values for
// characteristics whose routing is disabled are dropped.
func (c *Conn) changed(uuid string, data []byte) {
	c.mu.Lock()
	enabled := c.notify[uuid]
	c.mu.Unlock()
	if !enabled {
		return
	}
	c.enqueue(func() {
		c.emit(func(cb gatt.Callback) { cb.OnCharacteristicChanged(c, uuid, data) })
	})
}

// Disconnect tears the link down; a dial in progress is aborted.
func (c *Conn) Disconnect() {
	c.disconnectRequested.Store(true)
	cl, ok := c.session()
	if !ok {
		c.dialCancel()
		return
	}
	c.enqueue(func() {
		if err := cl.CancelConnection(); err != nil {
			c.log().WithError(err).Warn("Failed to cancel connection")
		}
		if _, ok := cl.(disconnectNotifier); !ok {
			c.linkDown()
		}
	})
}

// Close releases the link. No callback fires afterwards.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.jobs = nil
	cl := c.client
	c.mu.Unlock()

	c.dialCancel()
	c.cancel()
	if cl != nil && c.linkUp.CompareAndSwap(true, false) {
		groutine.Go(context.Background(), "ble-conn-close", func(context.Context) {
			if err := cl.CancelConnection(); err != nil {
				c.log().WithError(err).Debug("Cancel connection on close")
			}
		})
	}
}
