// Package goble implements the gatt platform interfaces and the device scan
// source on top of github.com/go-ble/ble.
package goble

import (
	"context"
	"errors"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blesupport/internal/device"
	"github.com/srg/blesupport/internal/gatt"
)

// DeviceFactory opens the host BLE adapter.
type DeviceFactory func() (ble.Device, error)

// Stack is a gatt.Stack backed by a single go-ble device shared by scanning
// and connections. The adapter is opened on first use.
type Stack struct {
	factory DeviceFactory
	logger  *logrus.Logger

	mu  sync.Mutex
	dev ble.Device

	dial func(ctx context.Context, address string) (client, error)
}

var _ gatt.Stack = (*Stack)(nil)

// NewStack creates a Stack. A nil factory opens the platform default adapter.
func NewStack(factory DeviceFactory, logger *logrus.Logger) *Stack {
	if factory == nil {
		factory = NewDevice
	}
	if logger == nil {
		logger = logrus.New()
	}
	s := &Stack{factory: factory, logger: logger}
	s.dial = s.dialDevice
	return s
}

func (s *Stack) device() (ble.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev != nil {
		return s.dev, nil
	}
	dev, err := s.factory()
	if err != nil {
		s.logger.WithError(err).Error("Failed to create BLE device")
		return nil, NormalizeError(err)
	}
	s.dev = dev
	return dev, nil
}

func (s *Stack) dialDevice(ctx context.Context, address string) (client, error) {
	dev, err := s.device()
	if err != nil {
		return nil, err
	}
	s.logger.WithField("address", address).Debug("Dialing BLE device...")
	cl, err := dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, NormalizeError(err)
	}
	return cl, nil
}

// Connect starts a connection attempt; its outcome arrives on cb.
func (s *Stack) Connect(address string, _ bool, cb gatt.Callback) (gatt.Conn, error) {
	if address == "" {
		return nil, errors.New("device address is empty")
	}
	if _, err := s.device(); err != nil {
		return nil, err
	}
	c := newConn(address, cb, s.logger)
	c.start(s.dial)
	return c, nil
}

// Bonded is always false: go-ble does not expose bonding state.
func (s *Stack) Bonded(string) bool { return false }

// ScanSourceFactory opens the shared adapter for device.Scanner.
func (s *Stack) ScanSourceFactory() device.ScanSourceFactory {
	return func() (device.ScanSource, error) {
		if _, err := s.device(); err != nil {
			return nil, err
		}
		return &scanSource{stack: s}, nil
	}
}

// Close stops the adapter if it was opened.
func (s *Stack) Close() error {
	s.mu.Lock()
	dev := s.dev
	s.dev = nil
	s.mu.Unlock()
	if dev == nil {
		return nil
	}
	return dev.Stop()
}

type scanSource struct {
	stack *Stack
}

func (s *scanSource) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	dev, err := s.stack.device()
	if err != nil {
		return err
	}
	err = dev.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		handler(NewAdvertisement(adv))
	})
	return NormalizeError(err)
}
