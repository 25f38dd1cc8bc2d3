package gatt

import (
	"slices"

	"github.com/srg/blesupport/internal/bledb"
)

// Status is the outcome code delivered with each platform callback.
type Status int

const (
	StatusSuccess Status = iota
	StatusReadNotPermitted
	StatusWriteNotPermitted
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusReadNotPermitted:
		return "read not permitted"
	case StatusWriteNotPermitted:
		return "write not permitted"
	}
	return "failure"
}

// LinkState is the connection state reported by the platform.
type LinkState int

const (
	StateDisconnected LinkState = iota
	StateConnected
)

func (s LinkState) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

// Property is the characteristic properties bit field.
type Property uint8

const (
	PropBroadcast       Property = 0x01
	PropRead            Property = 0x02
	PropWriteNoResponse Property = 0x04
	PropWrite           Property = 0x08
	PropNotify          Property = 0x10
	PropIndicate        Property = 0x20
)

// Service is a discovered GATT service.
type Service struct {
	UUID            string
	Characteristics []Characteristic
}

// Characteristic is a discovered characteristic. UUIDs are normalized.
type Characteristic struct {
	UUID        string
	Properties  Property
	Descriptors []string
}

func (c Characteristic) CanRead() bool { return c.Properties&PropRead != 0 }

func (c Characteristic) CanWrite() bool {
	return c.Properties&(PropWrite|PropWriteNoResponse) != 0
}

func (c Characteristic) CanNotify() bool {
	return c.Properties&(PropNotify|PropIndicate) != 0
}

func (c Characteristic) HasDescriptor(uuid string) bool {
	return slices.Contains(c.Descriptors, bledb.NormalizeUUID(uuid))
}

// FindCharacteristic searches every service for uuid.
func FindCharacteristic(services []Service, uuid string) (Characteristic, bool) {
	id := bledb.NormalizeUUID(uuid)
	for _, s := range services {
		for _, c := range s.Characteristics {
			if c.UUID == id {
				return c, true
			}
		}
	}
	return Characteristic{}, false
}

// Stack is the platform Bluetooth stack.
type Stack interface {
	// Connect starts opening a GATT client to address. The outcome arrives
	// through cb.OnConnectionStateChange; the returned Conn may be used to
	// abort the attempt before then.
	Connect(address string, autoConnect bool, cb Callback) (Conn, error)
	// Bonded reports whether the peripheral is paired with this host.
	Bonded(address string) bool
}

// Conn is one GATT client handle. Requests return whether they were issued;
// results arrive asynchronously through the Callback.
type Conn interface {
	Address() string
	DiscoverServices() bool
	// Services is empty until discovery completed.
	Services() []Service
	ReadCharacteristic(c Characteristic) bool
	WriteCharacteristic(c Characteristic, value []byte) bool
	SetCharacteristicNotification(c Characteristic, enable bool) bool
	ReadDescriptor(c Characteristic, descriptor string) bool
	WriteDescriptor(c Characteristic, descriptor string, value []byte) bool
	Disconnect()
	// Close releases the handle; no callbacks follow.
	Close()
}

// Callback receives the platform's asynchronous GATT events, one method per event.
type Callback interface {
	OnConnectionStateChange(conn Conn, status Status, state LinkState)
	OnServicesDiscovered(conn Conn, status Status)
	OnCharacteristicRead(conn Conn, characteristic string, value []byte, status Status)
	OnCharacteristicWrite(conn Conn, characteristic string, status Status)
	OnCharacteristicChanged(conn Conn, characteristic string, value []byte)
	OnDescriptorRead(conn Conn, characteristic, descriptor string, value []byte, status Status)
	OnDescriptorWrite(conn Conn, characteristic, descriptor string, status Status)
}
