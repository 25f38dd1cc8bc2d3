package testutils

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/srg/blesupport/internal/bledb"
	"github.com/srg/blesupport/internal/gatt"
)

// Request kinds recorded by FakeStack.
const (
	ReqConnect         = "connect"
	ReqDiscover        = "discover"
	ReqRead            = "read"
	ReqWrite           = "write"
	ReqNotify          = "notify"
	ReqReadDescriptor  = "read_descriptor"
	ReqWriteDescriptor = "write_descriptor"
	ReqDisconnect      = "disconnect"
	ReqClose           = "close"
)

// Request is one call the stack received.
type Request struct {
	Kind           string
	Address        string
	Characteristic string
	Descriptor     string
	Value          []byte
	Enable         bool
}

// FakePeripheral is the GATT database and response script of one device.
type FakePeripheral struct {
	mu               sync.Mutex
	address          string
	services         []gatt.Service
	values           map[string][]byte
	descriptorValues map[string][]byte
	readStatus       map[string]gatt.Status
	writeStatus      map[string]gatt.Status
	connectStatus    gatt.Status
	discoveryStatus  gatt.Status
}

// NewFakePeripheral creates an empty peripheral that accepts connections.
func NewFakePeripheral(address string) *FakePeripheral {
	return &FakePeripheral{
		address:          address,
		values:           make(map[string][]byte),
		descriptorValues: make(map[string][]byte),
		readStatus:       make(map[string]gatt.Status),
		writeStatus:      make(map[string]gatt.Status),
	}
}

func (p *FakePeripheral) Address() string { return p.address }

func (p *FakePeripheral) WithService(uuid string) *FakePeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.services = append(p.services, gatt.Service{UUID: bledb.NormalizeUUID(uuid)})
	return p
}

// WithCharacteristic adds a characteristic to the last service. A
// notifiable characteristic gets a client configuration descriptor.
func (p *FakePeripheral) WithCharacteristic(uuid string, props gatt.Property, value []byte, descriptors ...string) *FakePeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.services) == 0 {
		panic("WithCharacteristic: add a service first")
	}
	id := bledb.NormalizeUUID(uuid)
	descs := bledb.NormalizeUUIDs(descriptors)
	if props&(gatt.PropNotify|gatt.PropIndicate) != 0 && !slices.Contains(descs, "2902") {
		descs = append(descs, "2902")
	}
	svc := &p.services[len(p.services)-1]
	svc.Characteristics = append(svc.Characteristics, gatt.Characteristic{UUID: id, Properties: props, Descriptors: descs})
	p.values[id] = value
	return p
}

// WithDescriptorValue sets the value returned for a descriptor read.
func (p *FakePeripheral) WithDescriptorValue(characteristic, descriptor string, value []byte) *FakePeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.descriptorValues[descKey(characteristic, descriptor)] = value
	return p
}

func (p *FakePeripheral) WithReadStatus(characteristic string, st gatt.Status) *FakePeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readStatus[bledb.NormalizeUUID(characteristic)] = st
	return p
}

func (p *FakePeripheral) WithWriteStatus(characteristic string, st gatt.Status) *FakePeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeStatus[bledb.NormalizeUUID(characteristic)] = st
	return p
}

func (p *FakePeripheral) WithConnectStatus(st gatt.Status) *FakePeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectStatus = st
	return p
}

func (p *FakePeripheral) WithDiscoveryStatus(st gatt.Status) *FakePeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discoveryStatus = st
	return p
}

// Value is the current characteristic value, including written ones.
func (p *FakePeripheral) Value(characteristic string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.values[bledb.NormalizeUUID(characteristic)])
}

func descKey(characteristic, descriptor string) string {
	return bledb.NormalizeUUID(characteristic) + "|" + bledb.NormalizeUUID(descriptor)
}

// FakeStack is an in-memory gatt.Stack. Callbacks are delivered on a single
// goroutine, like a platform callback thread. Requests of held kinds are
// recorded without a callback so a test can deliver one itself.
type FakeStack struct {
	mu          sync.Mutex
	peripherals map[string]*FakePeripheral
	conns       map[string]*FakeConn
	bonded      map[string]bool
	hold        map[string]bool
	cb          gatt.Callback
	connectErr  error

	requests chan Request
	events   chan func()
	quit     chan struct{}
	stopOnce sync.Once

	active    atomic.Int32
	maxActive atomic.Int32
}

var _ gatt.Stack = (*FakeStack)(nil)

func NewFakeStack() *FakeStack {
	s := &FakeStack{
		peripherals: make(map[string]*FakePeripheral),
		conns:       make(map[string]*FakeConn),
		bonded:      make(map[string]bool),
		hold:        make(map[string]bool),
		requests:    make(chan Request, 1024),
		events:      make(chan func(), 1024),
		quit:        make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *FakeStack) loop() {
	for {
		select {
		case fn := <-s.events:
			fn()
		case <-s.quit:
			return
		}
	}
}

// Close stops callback delivery.
func (s *FakeStack) Close() {
	s.stopOnce.Do(func() { close(s.quit) })
}

func (s *FakeStack) AddPeripheral(p *FakePeripheral) *FakeStack {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peripherals[p.address] = p
	return s
}

func (s *FakeStack) SetBonded(address string, bonded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bonded[address] = bonded
}

// FailConnect makes every Connect call return err.
func (s *FakeStack) FailConnect(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectErr = err
}

// Hold suppresses the automatic callback of the given request kinds.
func (s *FakeStack) Hold(kinds ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range kinds {
		s.hold[k] = true
	}
}

// Release restores automatic callbacks for the given kinds.
func (s *FakeStack) Release(kinds ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range kinds {
		delete(s.hold, k)
	}
}

// Requests streams every recorded request.
func (s *FakeStack) Requests() <-chan Request { return s.requests }

// Callback is the callback passed to the latest Connect.
func (s *FakeStack) Callback() gatt.Callback {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cb
}

// Conn returns the latest connection opened to address.
func (s *FakeStack) Conn(address string) *FakeConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[address]
}

// MaxInFlight is the largest number of requests ever awaiting a callback at once.
func (s *FakeStack) MaxInFlight() int { return int(s.maxActive.Load()) }

// Deliver runs fn on the callback goroutine.
func (s *FakeStack) Deliver(fn func()) {
	s.events <- fn
}

func (s *FakeStack) Bonded(address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bonded[address]
}

func (s *FakeStack) Connect(address string, _ bool, cb gatt.Callback) (gatt.Conn, error) {
	s.mu.Lock()
	if s.connectErr != nil {
		err := s.connectErr
		s.mu.Unlock()
		return nil, err
	}
	s.cb = cb
	conn := &FakeConn{stack: s, address: address, peripheral: s.peripherals[address], cb: cb}
	s.conns[address] = conn
	s.mu.Unlock()

	conn.issue(Request{Kind: ReqConnect, Address: address}, func() {
		if conn.peripheral == nil {
			cb.OnConnectionStateChange(conn, gatt.StatusFailure, gatt.StateDisconnected)
			return
		}
		st := conn.peripheral.connectStatus
		if st != gatt.StatusSuccess {
			cb.OnConnectionStateChange(conn, st, gatt.StateDisconnected)
			return
		}
		cb.OnConnectionStateChange(conn, gatt.StatusSuccess, gatt.StateConnected)
	})
	return conn, nil
}

func (s *FakeStack) held(kind string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hold[kind]
}

// FakeConn is the gatt.Conn handed out by FakeStack.
type FakeConn struct {
	stack      *FakeStack
	address    string
	peripheral *FakePeripheral
	cb         gatt.Callback

	discovered atomic.Bool
	closed     atomic.Bool
	mu         sync.Mutex
	notifying  map[string]bool
}

var _ gatt.Conn = (*FakeConn)(nil)

// issue records r and, unless its kind is held, schedules respond.
func (c *FakeConn) issue(r Request, respond func()) bool {
	c.stack.requests <- r
	if r.Kind == ReqClose || respond == nil {
		return true
	}
	n := c.stack.active.Add(1)
	for {
		m := c.stack.maxActive.Load()
		if n <= m || c.stack.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	if c.stack.held(r.Kind) {
		c.stack.active.Add(-1)
		return true
	}
	c.stack.Deliver(func() {
		c.stack.active.Add(-1)
		if c.closed.Load() {
			return
		}
		respond()
	})
	return true
}

func (c *FakeConn) Address() string { return c.address }

func (c *FakeConn) Closed() bool { return c.closed.Load() }

func (c *FakeConn) DiscoverServices() bool {
	return c.issue(Request{Kind: ReqDiscover, Address: c.address}, func() {
		st := c.peripheral.discoveryStatus
		if st == gatt.StatusSuccess {
			c.discovered.Store(true)
		}
		c.cb.OnServicesDiscovered(c, st)
	})
}

// MarkDiscovered exposes services without a discovery round trip.
func (c *FakeConn) MarkDiscovered() { c.discovered.Store(true) }

func (c *FakeConn) Services() []gatt.Service {
	if c.peripheral == nil || !c.discovered.Load() {
		return nil
	}
	c.peripheral.mu.Lock()
	defer c.peripheral.mu.Unlock()
	return slices.Clone(c.peripheral.services)
}

func (c *FakeConn) ReadCharacteristic(ch gatt.Characteristic) bool {
	return c.issue(Request{Kind: ReqRead, Address: c.address, Characteristic: ch.UUID}, func() {
		p := c.peripheral
		p.mu.Lock()
		st := p.readStatus[ch.UUID]
		v := slices.Clone(p.values[ch.UUID])
		p.mu.Unlock()
		c.cb.OnCharacteristicRead(c, ch.UUID, v, st)
	})
}

func (c *FakeConn) WriteCharacteristic(ch gatt.Characteristic, value []byte) bool {
	return c.issue(Request{Kind: ReqWrite, Address: c.address, Characteristic: ch.UUID, Value: slices.Clone(value)}, func() {
		p := c.peripheral
		p.mu.Lock()
		st := p.writeStatus[ch.UUID]
		if st == gatt.StatusSuccess {
			p.values[ch.UUID] = slices.Clone(value)
		}
		p.mu.Unlock()
		c.cb.OnCharacteristicWrite(c, ch.UUID, st)
	})
}

func (c *FakeConn) SetCharacteristicNotification(ch gatt.Characteristic, enable bool) bool {
	c.mu.Lock()
	if c.notifying == nil {
		c.notifying = make(map[string]bool)
	}
	c.notifying[ch.UUID] = enable
	c.mu.Unlock()
	return c.issue(Request{Kind: ReqNotify, Address: c.address, Characteristic: ch.UUID, Enable: enable}, nil)
}

// Notifying reports whether notifications were last enabled for characteristic.
func (c *FakeConn) Notifying(characteristic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notifying[bledb.NormalizeUUID(characteristic)]
}

func (c *FakeConn) ReadDescriptor(ch gatt.Characteristic, descriptor string) bool {
	return c.issue(Request{Kind: ReqReadDescriptor, Address: c.address, Characteristic: ch.UUID, Descriptor: descriptor}, func() {
		p := c.peripheral
		p.mu.Lock()
		v, ok := p.descriptorValues[descKey(ch.UUID, descriptor)]
		p.mu.Unlock()
		st := gatt.StatusSuccess
		if !ok {
			st = gatt.StatusFailure
		}
		c.cb.OnDescriptorRead(c, ch.UUID, descriptor, slices.Clone(v), st)
	})
}

func (c *FakeConn) WriteDescriptor(ch gatt.Characteristic, descriptor string, value []byte) bool {
	return c.issue(Request{Kind: ReqWriteDescriptor, Address: c.address, Characteristic: ch.UUID, Descriptor: descriptor, Value: slices.Clone(value)}, func() {
		p := c.peripheral
		p.mu.Lock()
		p.descriptorValues[descKey(ch.UUID, descriptor)] = slices.Clone(value)
		p.mu.Unlock()
		c.cb.OnDescriptorWrite(c, ch.UUID, descriptor, gatt.StatusSuccess)
	})
}

// Notify pushes a value change as the peripheral would.
func (c *FakeConn) Notify(characteristic string, value []byte) {
	id := bledb.NormalizeUUID(characteristic)
	c.stack.Deliver(func() { c.cb.OnCharacteristicChanged(c, id, value) })
}

// Drop simulates the link going away without a request.
func (c *FakeConn) Drop() {
	c.stack.Deliver(func() { c.cb.OnConnectionStateChange(c, gatt.StatusFailure, gatt.StateDisconnected) })
}

func (c *FakeConn) Disconnect() {
	c.issue(Request{Kind: ReqDisconnect, Address: c.address}, func() {
		c.cb.OnConnectionStateChange(c, gatt.StatusSuccess, gatt.StateDisconnected)
	})
}

func (c *FakeConn) Close() {
	c.closed.Store(true)
	c.issue(Request{Kind: ReqClose, Address: c.address}, nil)
}
