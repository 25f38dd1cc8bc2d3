package gatt

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"

	"github.com/srg/blesupport/internal/bledb"
	"github.com/srg/blesupport/internal/codec"
	"github.com/srg/blesupport/internal/device"
)

// Options tune the Manager. Zero fields take their defaults.
type Options struct {
	ConnectTimeout       time.Duration `default:"30s"`
	DiscoveryDelay       time.Duration `default:"600ms"`
	BondedDiscoveryDelay time.Duration `default:"1600ms"`
	ConnectAttempts      int           `default:"3"`
	// BreakerThreshold is the number of consecutive failed connect rounds
	// that opens the per-address breaker.
	BreakerThreshold uint32        `default:"3"`
	BreakerCooldown  time.Duration `default:"30s"`
}

// Manager is the single service object that serializes every GATT request.
// Each call blocks until its operation finishes, is cancelled, or ctx ends;
// abandoning the wait does not remove the operation from the queue.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc

	opts     Options
	env      *env
	sched    *Scheduler
	adapter  *Adapter
	sessions *sessions
	cache    *Cache
	breakers *hashmap.Map[string, *gobreaker.CircuitBreaker[struct{}]]
	// breakerMu serializes breaker creation.
	breakerMu sync.Mutex
	logger   *logrus.Logger
}

// NewManager wires the scheduler and callback adapter to stack. opts may be nil.
func NewManager(stack Stack, devices DeviceSource, opts *Options, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	o := Options{}
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)

	ctx, cancel := context.WithCancel(context.Background())
	sess := newSessions()
	e := &env{stack: stack, sessions: sess, devices: devices, logger: logger}
	sched := newScheduler(e, logger)
	adapter := &Adapter{
		ctx:                  ctx,
		sched:                sched,
		sessions:             sess,
		devices:              devices,
		stack:                stack,
		logger:               logger,
		discoveryDelay:       o.DiscoveryDelay,
		bondedDiscoveryDelay: o.BondedDiscoveryDelay,
	}
	e.callback = adapter

	return &Manager{
		ctx:      ctx,
		cancel:   cancel,
		opts:     o,
		env:      e,
		sched:    sched,
		adapter:  adapter,
		sessions: sess,
		cache:    NewCache(),
		breakers: hashmap.New[string, *gobreaker.CircuitBreaker[struct{}]](),
		logger:   logger,
	}
}

// Callback is the adapter to hand to platform code that needs it directly.
func (m *Manager) Callback() Callback { return m.adapter }

func (m *Manager) Scheduler() *Scheduler { return m.sched }

func (m *Manager) Cache() *Cache { return m.cache }

// IsConnected reports whether a GATT session is open for address.
func (m *Manager) IsConnected(address string) bool {
	return m.sessions.has(address)
}

// Connected lists the addresses with an open session.
func (m *Manager) Connected() []string {
	return m.sessions.addresses()
}

// Services returns the discovered services of a connected device.
func (m *Manager) Services(address string) []Service {
	conn, ok := m.sessions.get(address)
	if !ok {
		return nil
	}
	return conn.Services()
}

// await blocks for the result of o, or until ctx ends.
func await[T any](ctx context.Context, o *op[T]) Result[T] {
	select {
	case r := <-o.Done():
		return r
	case <-ctx.Done():
		return Fail[T](ctx.Err().Error())
	}
}

// Connect opens a session and discovers services. If the attempt has not
// finished within the connect timeout of being started, the pending link is
// torn down. Time spent queued does not count.
func (m *Manager) Connect(ctx context.Context, address string, autoConnect bool) Result[struct{}] {
	o := newConnectOp(address, autoConnect, m.logger)
	o.onStart = func() *time.Timer {
		return time.AfterFunc(m.opts.ConnectTimeout, func() { m.connectTimedOut(o) })
	}

	m.sched.Enqueue(o)
	r := await(ctx, &o.op)
	// an abandoned wait keeps the timer armed so the slot is still released
	if o.Finished() {
		o.stopTimer()
	}
	return r
}

func (m *Manager) connectTimedOut(o *connectOp) {
	if o.Finished() {
		return
	}
	m.logger.WithFields(o.fields()).WithField("timeout", m.opts.ConnectTimeout).Warn("Connect timed out, forcing disconnect")
	o.aborted.Store(true)
	o.abortDiscovery()
	if conn := o.pendingConn(); conn != nil {
		conn.Disconnect()
		conn.Close()
	}
	m.sessions.remove(o.address)
	m.env.devices.Device(o.address).SetStatus(device.Disconnected)
	o.finish(FailWith[struct{}](MsgConnectTimeout, device.ErrTimeout))
}

// ConnectWithRetry calls Connect up to attempts times (ConnectAttempts when
// attempts < 1). Repeatedly failing addresses trip a breaker that fails fast
// until the cooldown passes.
func (m *Manager) ConnectWithRetry(ctx context.Context, address string, attempts int) Result[struct{}] {
	if attempts < 1 {
		attempts = m.opts.ConnectAttempts
	}

	_, err := m.breaker(address).Execute(func() (struct{}, error) {
		var last Result[struct{}]
		for i := 1; i <= attempts; i++ {
			last = m.Connect(ctx, address, false)
			if last.OK() || ctx.Err() != nil {
				break
			}
			m.logger.WithFields(logrus.Fields{"address": address, "attempt": i, "error": last.Message()}).Debug("Re-attempting bluetooth connection")
		}
		return last.Unwrap()
	})
	if err == nil {
		return Success(struct{}{})
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Failf[struct{}]("Connection attempts to %s suspended: %v", address, err)
	}
	var f *Failure
	if errors.As(err, &f) {
		return FailWith[struct{}](f.Message, f.Cause)
	}
	return Fail[struct{}](err.Error())
}

func (m *Manager) breaker(address string) *gobreaker.CircuitBreaker[struct{}] {
	if cb, ok := m.breakers.Get(address); ok {
		return cb
	}
	m.breakerMu.Lock()
	defer m.breakerMu.Unlock()
	if cb, ok := m.breakers.Get(address); ok {
		return cb
	}
	threshold := m.opts.BreakerThreshold
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "connect:" + address,
		MaxRequests: 1,
		Timeout:     m.opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("Circuit breaker state change")
		},
	})
	m.breakers.Set(address, cb)
	return cb
}

// Disconnect closes the session. With cancelQueued every queued and in-flight
// operation is cancelled first.
func (m *Manager) Disconnect(ctx context.Context, address string, cancelQueued bool) Result[struct{}] {
	o := newDisconnectOp(address, cancelQueued, m.logger)
	m.sched.Enqueue(o)
	r := await(ctx, &o.op)
	if !r.OK() {
		m.logger.WithFields(o.fields()).WithField("error", r.Message()).Warn("Failed to disconnect from device")
	}
	return r
}

// SetNotify enables or disables notifications by writing the client configuration descriptor.
func (m *Manager) SetNotify(ctx context.Context, address, characteristic string, enable bool) Result[struct{}] {
	o := newSetNotifyOp(address, characteristic, enable, m.logger)
	m.sched.Enqueue(o)
	return await(ctx, &o.op)
}

// ReadCharacteristicRaw reads the undecoded value.
func (m *Manager) ReadCharacteristicRaw(ctx context.Context, address, characteristic string) Result[RawRead] {
	o := newReadCharacteristicOp(address, characteristic, m.logger)
	m.sched.Enqueue(o)
	return await(ctx, &o.op)
}

// WriteCharacteristic writes value.
func (m *Manager) WriteCharacteristic(ctx context.Context, address, characteristic string, value []byte) Result[struct{}] {
	o := newWriteCharacteristicOp(address, characteristic, value, m.logger)
	m.sched.Enqueue(o)
	return await(ctx, &o.op)
}

// ReadDescriptor reads a descriptor; successful reads also reach the device's descriptor stream.
func (m *Manager) ReadDescriptor(ctx context.Context, address, characteristic, descriptor string) Result[DescriptorValue] {
	o := newReadDescriptorOp(address, characteristic, descriptor, m.logger)
	m.sched.Enqueue(o)
	return await(ctx, &o.op)
}

// ReadCharacteristic reads the presentation format descriptor, then the value,
// and decodes it. Successful reads are cached.
func (m *Manager) ReadCharacteristic(ctx context.Context, address, characteristic string) Result[ReadResult] {
	var pf *codec.PresentationFormat
	if d := m.ReadDescriptor(ctx, address, characteristic, codec.DescriptorPresentationFormat); d.OK() {
		if parsed, err := codec.ParsePresentationFormat(d.Value().Value); err == nil {
			pf = &parsed
		}
	}

	raw := m.ReadCharacteristicRaw(ctx, address, characteristic)
	if !raw.OK() {
		return mapFailure[ReadResult](raw, MsgReadFailed+": %s")
	}

	value := raw.Value().Value
	result := ReadResult{Formatted: codec.Decode(pf, value), Value: value}
	m.cache.Put(address, characteristic, result)
	return Success(result)
}

// ReadCachedCharacteristic returns the cached read when there is one.
func (m *Manager) ReadCachedCharacteristic(ctx context.Context, address, characteristic string) Result[ReadResult] {
	if r, ok := m.cache.Get(address, characteristic); ok {
		return Success(r)
	}
	return m.ReadCharacteristic(ctx, address, characteristic)
}

// CharacteristicName resolves a characteristic name for a device, reading the
// user description descriptor for vendor characteristics that expose one.
func (m *Manager) CharacteristicName(ctx context.Context, address string, c Characteristic) string {
	if name := bledb.LookupCharacteristic(c.UUID); name != "" {
		return name
	}
	dev := m.env.devices.Device(address)
	if c.HasDescriptor(codec.DescriptorUserDescription) {
		m.ReadDescriptor(ctx, address, c.UUID, codec.DescriptorUserDescription)
	}
	return dev.CharacteristicName(c.UUID)
}

// Close cancels outstanding work and closes every session.
func (m *Manager) Close() {
	m.cancel()
	m.sched.CancelAll()
	for _, addr := range m.sessions.addresses() {
		if conn, ok := m.sessions.get(addr); ok {
			conn.Close()
		}
		m.sessions.remove(addr)
		m.env.devices.Device(addr).SetStatus(device.Disconnected)
	}
}
