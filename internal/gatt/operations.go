package gatt

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blesupport/internal/bledb"
	"github.com/srg/blesupport/internal/codec"
	"github.com/srg/blesupport/internal/device"
)

// DeviceSource resolves the Device whose streams an operation publishes into.
type DeviceSource interface {
	Device(address string) *device.Device
}

// Failure messages reported by operations.
const (
	MsgNotConnected          = "Device is not connected"
	MsgCharacteristicMissing = "Could not find characteristic with specified UUID"
	MsgDescriptorMissing     = "Could not find descriptor with specified UUID"
	MsgCannotNotify          = "Characteristic does not have the ability to notify"
	MsgCannotRead            = "Characteristic does not have the ability to be read"
	MsgCannotWrite           = "Characteristic does not have the ability to be written"
	MsgNotifySetup           = "Cannot set up notifications on specified characteristic"
	MsgReadFailed            = "Failed to read characteristic"
	MsgWriteFailed           = "Failed to write characteristic"
	MsgDescriptorReadFailed  = "Could not read descriptor"
	MsgDiscoveryNotStarted   = "Could not discover services"
	MsgDiscoveryFailed       = "Failed to discover services"
	MsgDisconnectedDuringOp  = "Disconnected during operation"
	MsgConnectTimeout        = "Connection timed out"
)

// RawRead is the undecoded value of a characteristic.
type RawRead struct {
	Characteristic string
	Value          []byte
}

// DescriptorValue is the value of a descriptor read.
type DescriptorValue struct {
	Characteristic string
	Descriptor     string
	Value          []byte
}

// lookup resolves the session and characteristic shared by most operations.
// On failure it returns the message to finish with.
func lookup(e *env, address, uuid string) (Conn, Characteristic, string) {
	conn, ok := e.sessions.get(address)
	if !ok {
		return nil, Characteristic{}, MsgNotConnected
	}
	c, ok := FindCharacteristic(conn.Services(), uuid)
	if !ok {
		return nil, Characteristic{}, MsgCharacteristicMissing
	}
	return conn, c, ""
}

type connectOp struct {
	op[struct{}]
	autoConnect bool
	// aborted is set once the timeout tears the attempt down.
	aborted atomic.Bool

	mu sync.Mutex
	// pending is the handle of the in-progress attempt, aborted on timeout.
	pending Conn
	// stopDiscovery cancels a scheduled service discovery.
	stopDiscovery func() bool
	// onStart arms the connect timeout once the operation leaves the queue.
	onStart func() *time.Timer
	timer   *time.Timer
}

// stopTimer disarms the connect timeout, if it was armed.
func (o *connectOp) stopTimer() {
	o.mu.Lock()
	t := o.timer
	o.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

func (o *connectOp) setPending(c Conn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = c
}

func (o *connectOp) pendingConn() Conn {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending
}

func (o *connectOp) setDiscovery(stop func() bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopDiscovery = stop
}

// abortDiscovery cancels a scheduled discovery that has not run yet.
func (o *connectOp) abortDiscovery() {
	o.mu.Lock()
	stop := o.stopDiscovery
	o.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func newConnectOp(address string, autoConnect bool, logger *logrus.Logger) *connectOp {
	o := &connectOp{op: newOp[struct{}](KindConnect, "Connect Operation", address, logger), autoConnect: autoConnect}
	o.self = o
	return o
}

func (o *connectOp) start(e *env) {
	if !o.begin() {
		return
	}
	if o.onStart != nil {
		t := o.onStart()
		o.mu.Lock()
		o.timer = t
		o.mu.Unlock()
	}
	if e.sessions.has(o.address) {
		e.logger.WithFields(o.fields()).Debug("Already connected")
		o.finish(Success(struct{}{}))
		return
	}

	dev := e.devices.Device(o.address)
	dev.SetStatus(device.Connecting)
	conn, err := e.stack.Connect(o.address, o.autoConnect, e.callback)
	if err != nil {
		dev.SetStatus(device.Disconnected)
		o.fail(err.Error())
		return
	}
	o.setPending(conn)
}

type disconnectOp struct {
	op[struct{}]
	cancelQueued bool
}

func newDisconnectOp(address string, cancelQueued bool, logger *logrus.Logger) *disconnectOp {
	o := &disconnectOp{op: newOp[struct{}](KindDisconnect, "Disconnect Operation", address, logger), cancelQueued: cancelQueued}
	o.self = o
	return o
}

func (o *disconnectOp) start(e *env) {
	if !o.begin() {
		return
	}
	conn, ok := e.sessions.get(o.address)
	if !ok {
		o.finish(Success(struct{}{}))
		return
	}
	conn.Disconnect()
}

type setNotifyOp struct {
	op[struct{}]
	characteristic string
	enable         bool
}

func newSetNotifyOp(address, characteristic string, enable bool, logger *logrus.Logger) *setNotifyOp {
	o := &setNotifyOp{
		op:             newOp[struct{}](KindSetNotify, fmt.Sprintf("Set Notify (Enable: %t)", enable), address, logger),
		characteristic: bledb.NormalizeUUID(characteristic),
		enable:         enable,
	}
	o.self = o
	return o
}

func (o *setNotifyOp) start(e *env) {
	if !o.begin() {
		return
	}
	conn, c, msg := lookup(e, o.address, o.characteristic)
	if msg != "" {
		o.fail(msg)
		return
	}
	if !c.CanNotify() {
		o.fail(MsgCannotNotify)
		return
	}
	if !c.HasDescriptor(codec.DescriptorClientConfig) || !conn.SetCharacteristicNotification(c, o.enable) {
		o.fail(MsgNotifySetup)
		return
	}

	value := codec.ClientConfigDisabled
	if o.enable {
		value = codec.ClientConfigNotifications
	}
	if !conn.WriteDescriptor(c, codec.DescriptorClientConfig, value) {
		o.fail(fmt.Sprintf("Failed to write value to descriptor %s", codec.DescriptorClientConfig))
	}
}

type readCharacteristicOp struct {
	op[RawRead]
	characteristic string
}

func newReadCharacteristicOp(address, characteristic string, logger *logrus.Logger) *readCharacteristicOp {
	id := bledb.NormalizeUUID(characteristic)
	o := &readCharacteristicOp{
		op:             newOp[RawRead](KindReadCharacteristic, fmt.Sprintf("Read Characteristic (%s)", id), address, logger),
		characteristic: id,
	}
	o.self = o
	return o
}

func (o *readCharacteristicOp) start(e *env) {
	if !o.begin() {
		return
	}
	conn, c, msg := lookup(e, o.address, o.characteristic)
	if msg != "" {
		o.fail(msg)
		return
	}
	if !c.CanRead() {
		o.fail(MsgCannotRead)
		return
	}
	if !conn.ReadCharacteristic(c) {
		o.fail(MsgReadFailed)
	}
}

type writeCharacteristicOp struct {
	op[struct{}]
	characteristic string
	value          []byte
}

func newWriteCharacteristicOp(address, characteristic string, value []byte, logger *logrus.Logger) *writeCharacteristicOp {
	id := bledb.NormalizeUUID(characteristic)
	o := &writeCharacteristicOp{
		op:             newOp[struct{}](KindWriteCharacteristic, fmt.Sprintf("Write Characteristic (%s)", id), address, logger),
		characteristic: id,
		value:          value,
	}
	o.self = o
	return o
}

func (o *writeCharacteristicOp) start(e *env) {
	if !o.begin() {
		return
	}
	conn, c, msg := lookup(e, o.address, o.characteristic)
	if msg != "" {
		o.fail(msg)
		return
	}
	if !c.CanWrite() {
		o.fail(MsgCannotWrite)
		return
	}
	if !conn.WriteCharacteristic(c, o.value) {
		o.fail(MsgWriteFailed)
	}
}

type readDescriptorOp struct {
	op[DescriptorValue]
	characteristic string
	descriptor     string
}

func newReadDescriptorOp(address, characteristic, descriptor string, logger *logrus.Logger) *readDescriptorOp {
	c, d := bledb.NormalizeUUID(characteristic), bledb.NormalizeUUID(descriptor)
	o := &readDescriptorOp{
		op:             newOp[DescriptorValue](KindReadDescriptor, fmt.Sprintf("Read Descriptor: %s of %s", d, c), address, logger),
		characteristic: c,
		descriptor:     d,
	}
	o.self = o
	return o
}

func (o *readDescriptorOp) start(e *env) {
	if !o.begin() {
		return
	}
	conn, c, msg := lookup(e, o.address, o.characteristic)
	if msg != "" {
		o.fail(msg)
		return
	}
	if !c.HasDescriptor(o.descriptor) {
		o.fail(MsgDescriptorMissing)
		return
	}
	if !conn.ReadDescriptor(c, o.descriptor) {
		o.fail(MsgDescriptorReadFailed)
	}
}
