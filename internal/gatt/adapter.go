package gatt

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blesupport/internal/device"
	"github.com/srg/blesupport/internal/groutine"
)

// Adapter resolves the in-flight operation from platform GATT events. It is
// the only Callback implementation; callbacks that do not match the current
// operation's kind and address are ignored.
type Adapter struct {
	ctx      context.Context
	sched    *Scheduler
	sessions *sessions
	devices  DeviceSource
	stack    Stack
	logger   *logrus.Logger

	discoveryDelay       time.Duration
	bondedDiscoveryDelay time.Duration
}

var _ Callback = (*Adapter)(nil)

func (a *Adapter) device(address string) *device.Device {
	return a.devices.Device(address)
}

// OnConnectionStateChange registers or drops the session, then resolves a
// pending Connect or Disconnect. Anything else is an unexpected disconnect.
func (a *Adapter) OnConnectionStateChange(conn Conn, status Status, state LinkState) {
	addr := conn.Address()
	log := a.logger.WithFields(logrus.Fields{"address": addr, "status": status.String(), "state": state.String()})

	cur := a.sched.Current()
	if o, ok := cur.(*connectOp); ok && o.Address() == addr && o.aborted.Load() {
		log.Debug("Ignoring state change of an aborted connect")
		return
	}

	connected := status == StatusSuccess && state == StateConnected
	if connected {
		a.sessions.put(addr, conn)
	} else if state != StateConnected {
		a.sessions.remove(addr)
	}

	if cur != nil && cur.Address() == addr {
		switch o := cur.(type) {
		case *connectOp:
			if connected {
				a.scheduleDiscovery(o, conn)
				return
			}
		case *disconnectOp:
			if status == StatusSuccess && state == StateDisconnected {
				log.Debug("Disconnect operation state change")
				conn.Close()
				a.device(addr).SetStatus(device.Disconnected)
				o.finish(Success(struct{}{}))
				return
			}
		}
	}

	log.Info("Unexpected connection state change")
	conn.Close()
	a.sessions.remove(addr)
	a.device(addr).SetStatus(device.Disconnected)
	if cur != nil && cur.Address() == addr {
		cur.fail(MsgDisconnectedDuringOp)
	}
}

// scheduleDiscovery delays service discovery after connecting; some stacks
// silently drop an immediate request, bonded links need longer.
func (a *Adapter) scheduleDiscovery(o *connectOp, conn Conn) {
	delay := a.discoveryDelay
	if a.stack.Bonded(conn.Address()) {
		delay = a.bondedDiscoveryDelay
	}
	a.logger.WithFields(logrus.Fields{"address": conn.Address(), "delay": delay}).Info("Connected to device")

	o.setDiscovery(groutine.GoAfter(a.ctx, "gatt-discover", delay, func(context.Context) {
		if o.Finished() {
			return
		}
		if !conn.DiscoverServices() {
			a.logger.WithField("address", conn.Address()).Warn("Failed to discover services")
			o.fail(MsgDiscoveryNotStarted)
		}
	}))
}

func (a *Adapter) OnServicesDiscovered(conn Conn, status Status) {
	o, ok := a.sched.Current().(*connectOp)
	if !ok || o.Address() != conn.Address() {
		return
	}
	log := a.logger.WithFields(logrus.Fields{"address": conn.Address(), "status": status.String()})
	if status != StatusSuccess {
		log.Warn("Service discovery failed")
		conn.Disconnect()
		o.fail(MsgDiscoveryFailed)
		return
	}

	n := 0
	for _, s := range conn.Services() {
		n += len(s.Characteristics)
	}
	log.WithField("characteristics", n).Debug("Discovered services")
	a.device(conn.Address()).SetStatus(device.Connected)
	o.finish(Success(struct{}{}))
}

func (a *Adapter) OnDescriptorWrite(conn Conn, characteristic, descriptor string, status Status) {
	o, ok := a.sched.Current().(*setNotifyOp)
	if !ok || o.Address() != conn.Address() {
		return
	}
	switch status {
	case StatusSuccess:
		o.finish(Success(struct{}{}))
	case StatusWriteNotPermitted:
		o.fail(fmt.Sprintf("Write not permitted for descriptor %s", descriptor))
	default:
		o.fail(fmt.Sprintf("Failed to write value to descriptor %s", descriptor))
	}
}

func (a *Adapter) OnDescriptorRead(conn Conn, characteristic, descriptor string, value []byte, status Status) {
	o, ok := a.sched.Current().(*readDescriptorOp)
	if !ok || o.Address() != conn.Address() {
		return
	}
	if status != StatusSuccess {
		o.fail(MsgDescriptorReadFailed)
		return
	}
	a.device(conn.Address()).PublishDescriptor(device.DescriptorRead{
		Characteristic: characteristic,
		Descriptor:     descriptor,
		Value:          value,
	})
	o.finish(Success(DescriptorValue{Characteristic: characteristic, Descriptor: descriptor, Value: value}))
}

func (a *Adapter) OnCharacteristicWrite(conn Conn, characteristic string, status Status) {
	o, ok := a.sched.Current().(*writeCharacteristicOp)
	if !ok || o.Address() != conn.Address() {
		return
	}
	a.logger.WithFields(logrus.Fields{"address": conn.Address(), "uuid": characteristic}).Debug("Wrote characteristic")
	switch status {
	case StatusSuccess:
		o.finish(Success(struct{}{}))
	case StatusWriteNotPermitted:
		o.fail(fmt.Sprintf("Write not permitted for characteristic %s", characteristic))
	default:
		o.fail(fmt.Sprintf("Failed to write value for characteristic %s", characteristic))
	}
}

func (a *Adapter) OnCharacteristicRead(conn Conn, characteristic string, value []byte, status Status) {
	o, ok := a.sched.Current().(*readCharacteristicOp)
	if !ok || o.Address() != conn.Address() {
		return
	}
	a.logger.WithFields(logrus.Fields{"address": conn.Address(), "uuid": characteristic}).Debug("Read characteristic")
	switch status {
	case StatusSuccess:
		o.finish(Success(RawRead{Characteristic: characteristic, Value: value}))
	case StatusReadNotPermitted:
		o.fail(fmt.Sprintf("Read not permitted for characteristic %s", characteristic))
	default:
		o.fail(fmt.Sprintf("Failed to read value for characteristic %s", characteristic))
	}
}

// OnCharacteristicChanged publishes notifications; no operation is involved.
func (a *Adapter) OnCharacteristicChanged(conn Conn, characteristic string, value []byte) {
	a.device(conn.Address()).PublishValue(device.ValueChange{Characteristic: characteristic, Value: value})
}
