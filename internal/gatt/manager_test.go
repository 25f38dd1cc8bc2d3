package gatt_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/blesupport/internal/device"
	"github.com/srg/blesupport/internal/gatt"
	"github.com/srg/blesupport/internal/testutils"
)

const (
	addr       = "AA:BB:CC:DD:EE:01"
	battery    = "2a19"
	heartRate  = "2a37"
	vendorChar = "6e400009-b5a3-f393-e0a9-e50e24dcca9e"
)

type ManagerTestSuite struct {
	suite.Suite
	helper     *testutils.TestHelper
	stack      *testutils.FakeStack
	peripheral *testutils.FakePeripheral
	registry   *device.Registry
	manager    *gatt.Manager
	ctx        context.Context
	cancel     context.CancelFunc
}

func (s *ManagerTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.peripheral = testutils.NewFakePeripheral(addr).
		WithService("180f").
		WithCharacteristic(battery, gatt.PropRead, []byte{50}, "2904").
		WithDescriptorValue(battery, "2904", []byte{0x04, 0x00, 0xAD, 0x27, 0x01, 0x00, 0x00}).
		WithService("180d").
		WithCharacteristic(heartRate, gatt.PropRead|gatt.PropNotify, []byte("72")).
		WithService("6e400001-b5a3-f393-e0a9-e50e24dcca9e").
		WithCharacteristic(vendorChar, gatt.PropRead|gatt.PropWrite, []byte{0xFF, 0x01}, "2901").
		WithDescriptorValue(vendorChar, "2901", []byte("Mode"))
	s.stack = testutils.NewFakeStack().AddPeripheral(s.peripheral)
	s.registry = device.NewRegistry(nil, s.helper.Logger)
	s.manager = gatt.NewManager(s.stack, s.registry, &gatt.Options{
		ConnectTimeout:       2 * time.Second,
		DiscoveryDelay:       time.Millisecond,
		BondedDiscoveryDelay: 5 * time.Millisecond,
	}, s.helper.Logger)
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 5*time.Second)
}

func (s *ManagerTestSuite) TearDownTest() {
	s.cancel()
	s.manager.Close()
	s.stack.Close()
	s.registry.Close()
}

func (s *ManagerTestSuite) connect() {
	r := s.manager.Connect(s.ctx, addr, false)
	s.Require().True(r.OK(), "connect MUST succeed: %s", r.Message())
}

// requests drains every request recorded so far.
func (s *ManagerTestSuite) requests() []testutils.Request {
	var out []testutils.Request
	for {
		select {
		case r := <-s.stack.Requests():
			out = append(out, r)
		default:
			return out
		}
	}
}

func kinds(reqs []testutils.Request) []string {
	out := make([]string, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.Kind)
	}
	return out
}

func (s *ManagerTestSuite) waitRequest(kind string) testutils.Request {
	for {
		select {
		case r := <-s.stack.Requests():
			if r.Kind == kind {
				return r
			}
		case <-time.After(2 * time.Second):
			s.FailNow("timed out waiting for request " + kind)
			return testutils.Request{}
		}
	}
}

// GOAL: connect opens a session, discovers services and walks the status stream
//
// TEST SCENARIO: connect -> connect+discover requests, statuses connecting then connected
func (s *ManagerTestSuite) TestConnect() {
	statuses := s.registry.Device(addr).Statuses()
	defer statuses.Cancel()

	s.connect()

	s.True(s.manager.IsConnected(addr))
	s.Equal([]string{addr}, s.manager.Connected())
	s.Len(s.manager.Services(addr), 3)
	s.Equal([]string{testutils.ReqConnect, testutils.ReqDiscover}, kinds(s.requests()))

	s.Equal(device.Disconnected, <-statuses.C())
	s.Equal(device.Connecting, <-statuses.C())
	s.Equal(device.Connected, <-statuses.C())

	r := s.manager.Connect(s.ctx, addr, false)
	s.True(r.OK(), "connecting an open session MUST succeed")
	s.Empty(s.requests(), "connecting an open session MUST NOT reach the stack")
}

// GOAL: bonded devices wait longer before discovery but still connect
//
// TEST SCENARIO: bonded peripheral -> connect succeeds
func (s *ManagerTestSuite) TestConnectBonded() {
	s.stack.SetBonded(addr, true)
	s.connect()
	s.True(s.manager.IsConnected(addr))
}

// GOAL: platform refusal and failed discovery surface as failures
//
// TEST SCENARIO: stack.Connect error -> failure carries the error, device disconnected
func (s *ManagerTestSuite) TestConnectFailures() {
	s.stack.FailConnect(errors.New("radio off"))
	r := s.manager.Connect(s.ctx, addr, false)
	s.False(r.OK())
	s.Equal("radio off", r.Message())
	s.Equal(device.Disconnected, s.registry.Device(addr).Status())
	s.Nil(s.manager.Scheduler().Current(), "the slot MUST be released")
}

func (s *ManagerTestSuite) TestDiscoveryFailure() {
	s.peripheral.WithDiscoveryStatus(gatt.StatusFailure)
	r := s.manager.Connect(s.ctx, addr, false)
	s.Equal(gatt.MsgDiscoveryFailed, r.Message())
}

// GOAL: a connect that never completes is torn down after the timeout
//
// TEST SCENARIO: hold the connect callback -> "Connection timed out", link closed, next op runs
func (s *ManagerTestSuite) TestConnectTimeout() {
	m := gatt.NewManager(s.stack, s.registry, &gatt.Options{ConnectTimeout: 50 * time.Millisecond, DiscoveryDelay: time.Millisecond}, s.helper.Logger)
	defer m.Close()
	s.stack.Hold(testutils.ReqConnect)

	r := m.Connect(s.ctx, addr, false)
	s.Equal(gatt.MsgConnectTimeout, r.Message())
	_, err := r.Unwrap()
	s.ErrorIs(err, device.ErrTimeout, "a timed out connect MUST unwrap to ErrTimeout")
	s.False(m.IsConnected(addr))
	s.Equal(device.Disconnected, s.registry.Device(addr).Status())
	s.True(s.stack.Conn(addr).Closed(), "the pending link MUST be closed")
	s.Contains(kinds(s.requests()), testutils.ReqDisconnect)
	s.Contains(s.helper.Warnings(), "Connect timed out, forcing disconnect")

	w := m.WriteCharacteristic(s.ctx, addr, vendorChar, []byte{1})
	s.Equal(gatt.MsgNotConnected, w.Message(), "the queue MUST keep moving after a timeout")
}

// GOAL: the connect timeout only runs once the connect leaves the queue
//
// TEST SCENARIO: held read, queued connect waits past the timeout -> release -> connect succeeds, queue keeps moving
func (s *ManagerTestSuite) TestQueuedConnectWaitsForSlot() {
	const other = "AA:BB:CC:DD:EE:02"
	s.stack.AddPeripheral(testutils.NewFakePeripheral(other).
		WithService("180f").
		WithCharacteristic(battery, gatt.PropRead, []byte{1}))
	m := gatt.NewManager(s.stack, s.registry, &gatt.Options{ConnectTimeout: 100 * time.Millisecond, DiscoveryDelay: time.Millisecond}, s.helper.Logger)
	defer m.Close()

	s.Require().True(m.Connect(s.ctx, addr, false).OK())
	s.requests()
	s.stack.Hold(testutils.ReqRead)

	read := make(chan gatt.Result[gatt.RawRead], 1)
	go func() { read <- m.ReadCharacteristicRaw(s.ctx, addr, battery) }()
	s.waitRequest(testutils.ReqRead)

	connect := make(chan gatt.Result[struct{}], 1)
	go func() { connect <- m.Connect(s.ctx, other, false) }()
	s.Eventually(func() bool { return m.Scheduler().Queued() == 1 }, time.Second, time.Millisecond)

	time.Sleep(250 * time.Millisecond)
	select {
	case r := <-connect:
		s.FailNow("a queued connect MUST NOT time out: " + r.Message())
	default:
	}

	s.stack.Release(testutils.ReqRead)
	conn := s.stack.Conn(addr)
	s.stack.Deliver(func() { s.stack.Callback().OnCharacteristicRead(conn, battery, []byte{7}, gatt.StatusSuccess) })
	s.True((<-read).OK())

	r := <-connect
	s.Require().True(r.OK(), "the queued connect MUST run once the slot frees: %s", r.Message())
	s.True(m.IsConnected(other))
	s.Eventually(func() bool { return m.Scheduler().Current() == nil }, time.Second, time.Millisecond)
	s.True(m.ReadCharacteristicRaw(s.ctx, addr, battery).OK(), "the scheduler MUST keep moving")
}

// GOAL: reads decode through the presentation format and land in the cache
//
// TEST SCENARIO: battery level with a uint8 percent format -> "50 Percent", cached
func (s *ManagerTestSuite) TestReadCharacteristicWithPresentationFormat() {
	s.connect()

	r := s.manager.ReadCharacteristic(s.ctx, addr, "00002A19-0000-1000-8000-00805F9B34FB")
	s.Require().True(r.OK(), r.Message())
	s.Equal("50 Percent", r.Value().Formatted)
	s.Equal([]byte{50}, r.Value().Value)

	cached, ok := s.manager.Cache().Get(addr, battery)
	s.True(ok)
	s.Equal("50 Percent", cached.Formatted)

	s.requests()
	again := s.manager.ReadCachedCharacteristic(s.ctx, addr, battery)
	s.Equal("50 Percent", again.Value().Formatted)
	s.Empty(s.requests(), "a cached read MUST NOT reach the stack")
}

// GOAL: without a presentation format, values decode as UTF-8 or hex
//
// TEST SCENARIO: heart rate "72" -> "72"; vendor 0xFF01 -> "ff01"
func (s *ManagerTestSuite) TestReadCharacteristicFallback() {
	s.connect()

	r := s.manager.ReadCharacteristic(s.ctx, addr, heartRate)
	s.Equal("72", r.Value().Formatted)

	r = s.manager.ReadCharacteristic(s.ctx, addr, vendorChar)
	s.Equal("ff01", r.Value().Formatted)
}

// GOAL: read and write failures use readable messages
//
// TEST SCENARIO: not connected, missing characteristic, not readable, rejected by peripheral
func (s *ManagerTestSuite) TestReadWriteFailures() {
	r := s.manager.ReadCharacteristic(s.ctx, addr, battery)
	s.Equal("Failed to read characteristic: Device is not connected", r.Message())

	s.connect()

	raw := s.manager.ReadCharacteristicRaw(s.ctx, addr, "ffff")
	s.Equal(gatt.MsgCharacteristicMissing, raw.Message())

	w := s.manager.WriteCharacteristic(s.ctx, addr, battery, []byte{1})
	s.Equal(gatt.MsgCannotWrite, w.Message())

	s.peripheral.WithReadStatus(heartRate, gatt.StatusReadNotPermitted)
	raw = s.manager.ReadCharacteristicRaw(s.ctx, addr, heartRate)
	s.Equal("Read not permitted for characteristic 2a37", raw.Message())

	s.peripheral.WithWriteStatus(vendorChar, gatt.StatusFailure)
	w = s.manager.WriteCharacteristic(s.ctx, addr, vendorChar, []byte{1})
	s.True(strings.HasPrefix(w.Message(), "Failed to write value for characteristic"), w.Message())

	d := s.manager.ReadDescriptor(s.ctx, addr, heartRate, "2901")
	s.Equal(gatt.MsgDescriptorMissing, d.Message())
}

// GOAL: writes reach the peripheral
//
// TEST SCENARIO: write 0x0A0B -> peripheral value updated
func (s *ManagerTestSuite) TestWrite() {
	s.connect()
	w := s.manager.WriteCharacteristic(s.ctx, addr, vendorChar, []byte{0x0A, 0x0B})
	s.Require().True(w.OK(), w.Message())
	s.Equal([]byte{0x0A, 0x0B}, s.peripheral.Value(vendorChar))
}

// GOAL: vendor characteristics are named from their user description
//
// TEST SCENARIO: CharacteristicName reads 0x2901 -> "Mode"
func (s *ManagerTestSuite) TestCharacteristicName() {
	s.connect()
	c, ok := gatt.FindCharacteristic(s.manager.Services(addr), vendorChar)
	s.Require().True(ok)
	s.Equal("Mode", s.manager.CharacteristicName(s.ctx, addr, c))

	b, _ := gatt.FindCharacteristic(s.manager.Services(addr), battery)
	s.Equal("Battery Level", s.manager.CharacteristicName(s.ctx, addr, b))
}

// GOAL: at most one request is outstanding at the stack at any time
//
// TEST SCENARIO: 20 concurrent reads -> all succeed, max in flight is 1
func (s *ManagerTestSuite) TestSingleInFlight() {
	s.connect()

	results := make(chan gatt.Result[gatt.RawRead], 20)
	for i := 0; i < 20; i++ {
		uuid := battery
		if i%2 == 1 {
			uuid = heartRate
		}
		go func() { results <- s.manager.ReadCharacteristicRaw(s.ctx, addr, uuid) }()
	}
	for i := 0; i < 20; i++ {
		r := <-results
		s.True(r.OK(), r.Message())
	}
	s.Equal(1, s.stack.MaxInFlight(), "requests MUST be serialized")
}

// GOAL: operations run in the order they were enqueued
//
// TEST SCENARIO: hold the first read, queue two more, release -> reads issued in order
func (s *ManagerTestSuite) TestFIFO() {
	s.connect()
	s.requests()
	s.stack.Hold(testutils.ReqRead)

	first := make(chan gatt.Result[gatt.RawRead], 1)
	go func() { first <- s.manager.ReadCharacteristicRaw(s.ctx, addr, battery) }()
	s.Equal(battery, s.waitRequest(testutils.ReqRead).Characteristic)

	rest := make(chan gatt.Result[gatt.RawRead], 2)
	go func() { rest <- s.manager.ReadCharacteristicRaw(s.ctx, addr, heartRate) }()
	s.Eventually(func() bool { return s.manager.Scheduler().Queued() == 1 }, time.Second, time.Millisecond)
	go func() { rest <- s.manager.ReadCharacteristicRaw(s.ctx, addr, vendorChar) }()
	s.Eventually(func() bool { return s.manager.Scheduler().Queued() == 2 }, time.Second, time.Millisecond)

	s.stack.Release(testutils.ReqRead)
	conn := s.stack.Conn(addr)
	s.stack.Deliver(func() { s.stack.Callback().OnCharacteristicRead(conn, battery, []byte{7}, gatt.StatusSuccess) })

	r := <-first
	s.Equal([]byte{7}, r.Value().Value)
	<-rest
	<-rest
	s.Equal(heartRate, s.waitRequest(testutils.ReqRead).Characteristic)
	s.Equal("6e400009b5a3f393e0a9e50e24dcca9e", s.waitRequest(testutils.ReqRead).Characteristic)
}

// GOAL: a cancel-all disconnect drops queued and in-flight work
//
// TEST SCENARIO: held read plus queued write, disconnect(cancelQueued) -> both Cancelled, disconnected
func (s *ManagerTestSuite) TestDisconnectCancelsQueued() {
	s.connect()
	s.stack.Hold(testutils.ReqRead)

	read := make(chan gatt.Result[gatt.RawRead], 1)
	go func() { read <- s.manager.ReadCharacteristicRaw(s.ctx, addr, battery) }()
	s.waitRequest(testutils.ReqRead)

	write := make(chan gatt.Result[struct{}], 1)
	go func() { write <- s.manager.WriteCharacteristic(s.ctx, addr, vendorChar, []byte{1}) }()
	s.Eventually(func() bool { return s.manager.Scheduler().Queued() == 1 }, time.Second, time.Millisecond)

	d := s.manager.Disconnect(s.ctx, addr, true)
	s.Require().True(d.OK(), d.Message())

	s.Equal(gatt.Cancelled, (<-read).Message())
	s.Equal(gatt.Cancelled, (<-write).Message())
	s.False(s.manager.IsConnected(addr))
	s.Equal(device.Disconnected, s.registry.Device(addr).Status())
	s.True(s.stack.Conn(addr).Closed())
}

// GOAL: a plain disconnect waits its turn; disconnecting twice is harmless
//
// TEST SCENARIO: disconnect -> session gone; disconnect again -> success
func (s *ManagerTestSuite) TestDisconnect() {
	s.connect()
	s.True(s.manager.Disconnect(s.ctx, addr, false).OK())
	s.False(s.manager.IsConnected(addr))
	s.True(s.manager.Disconnect(s.ctx, addr, false).OK(), "disconnecting a closed session MUST succeed")
}

// GOAL: losing the link fails the in-flight operation and drops the session
//
// TEST SCENARIO: held read, link drops -> "Disconnected during operation"
func (s *ManagerTestSuite) TestUnexpectedDisconnect() {
	s.connect()
	s.stack.Hold(testutils.ReqRead)

	read := make(chan gatt.Result[gatt.RawRead], 1)
	go func() { read <- s.manager.ReadCharacteristicRaw(s.ctx, addr, battery) }()
	s.waitRequest(testutils.ReqRead)

	s.stack.Conn(addr).Drop()
	s.Equal(gatt.MsgDisconnectedDuringOp, (<-read).Message())
	s.False(s.manager.IsConnected(addr))
	s.Equal(device.Disconnected, s.registry.Device(addr).Status())
	s.Eventually(func() bool { return s.manager.Scheduler().Current() == nil }, time.Second, time.Millisecond)
}

// GOAL: notifications are enabled through the CCCD and reach the value stream
//
// TEST SCENARIO: enable -> CCCD 0x0100 written, notify -> ValueChange; disable -> 0x0000
func (s *ManagerTestSuite) TestNotifications() {
	s.connect()
	values := s.registry.Device(addr).Values()
	defer values.Cancel()

	r := s.manager.SetNotify(s.ctx, addr, heartRate, true)
	s.Require().True(r.OK(), r.Message())
	conn := s.stack.Conn(addr)
	s.True(conn.Notifying(heartRate))

	var cccd testutils.Request
	for _, req := range s.requests() {
		if req.Kind == testutils.ReqWriteDescriptor {
			cccd = req
		}
	}
	s.Equal("2902", cccd.Descriptor)
	s.Equal([]byte{0x01, 0x00}, cccd.Value)

	conn.Notify(heartRate, []byte{0x00, 0x48})
	select {
	case v := <-values.C():
		s.Equal(heartRate, v.Characteristic)
		s.Equal([]byte{0x00, 0x48}, v.Value)
	case <-time.After(time.Second):
		s.FailNow("notification MUST reach the value stream")
	}

	s.True(s.manager.SetNotify(s.ctx, addr, heartRate, false).OK())
	s.False(conn.Notifying(heartRate))

	r = s.manager.SetNotify(s.ctx, addr, battery, true)
	s.Equal(gatt.MsgCannotNotify, r.Message())
}

// GOAL: retries give up after the configured attempts and the breaker then fails fast
//
// TEST SCENARIO: stack refuses -> retry fails; breaker open -> suspended message
func (s *ManagerTestSuite) TestConnectWithRetry() {
	m := gatt.NewManager(s.stack, s.registry, &gatt.Options{
		DiscoveryDelay:   time.Millisecond,
		BreakerThreshold: 1,
		BreakerCooldown:  time.Minute,
	}, s.helper.Logger)
	defer m.Close()

	s.stack.FailConnect(errors.New("radio off"))
	r := m.ConnectWithRetry(s.ctx, addr, 2)
	s.Equal("radio off", r.Message())

	r = m.ConnectWithRetry(s.ctx, addr, 2)
	s.Contains(r.Message(), "suspended", "an open breaker MUST fail fast")

	s.stack.FailConnect(nil)
	other := m.ConnectWithRetry(s.ctx, "AA:BB:CC:DD:EE:02", 1)
	s.NotContains(other.Message(), "suspended", "breakers MUST be per address")
}

// GOAL: an abandoned wait returns the context error without disturbing the queue
//
// TEST SCENARIO: held read with a short ctx -> ctx error; release -> next op still runs
func (s *ManagerTestSuite) TestAbandonedWait() {
	s.connect()
	s.stack.Hold(testutils.ReqRead)

	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	defer cancel()
	r := s.manager.ReadCharacteristicRaw(ctx, addr, battery)
	s.Equal(context.DeadlineExceeded.Error(), r.Message())
	s.NotNil(s.manager.Scheduler().Current(), "the abandoned read MUST still hold the slot")

	s.stack.Release(testutils.ReqRead)
	conn := s.stack.Conn(addr)
	s.stack.Deliver(func() { s.stack.Callback().OnCharacteristicRead(conn, battery, []byte{1}, gatt.StatusSuccess) })
	s.True(s.manager.ReadCharacteristicRaw(s.ctx, addr, heartRate).OK())
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}
