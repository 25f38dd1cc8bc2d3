package device

import (
	"context"
	"errors"
	"fmt"
)

// NotFoundError represents an error when a BLE resource is not found
type NotFoundError struct {
	Resource string   // "device", "characteristic", "descriptor"
	UUIDs    []string // e.g. [charUUID] or [charUUID, descriptorUUID]
}

func (e *NotFoundError) Error() string {
	switch len(e.UUIDs) {
	case 0:
		return fmt.Sprintf("%s not found", e.Resource)
	case 1:
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in characteristic %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
	BluetoothOff     ConnectionState = "bluetooth_off"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
	ErrBluetoothOff     = &ConnectionError{State: BluetoothOff}
)

var (
	ErrTimeout     = errors.New("timeout")
	ErrUnsupported = errors.New("unsupported")
)

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// Advertisement is one scan sighting as reported by the platform scanner.
type Advertisement interface {
	Addr() string
	LocalName() string
	// ManufacturerData is the raw manufacturer-specific AD payload, vendor id first.
	ManufacturerData() []byte
	Services() []string
	Connectable() bool
	RSSI() int
	// Raw is the advertisement packet as received, or re-encoded AD structures
	// when the platform does not expose the original bytes.
	Raw() []byte
}

// ScanSource is a platform radio able to scan for advertisements.
type ScanSource interface {
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
}

// Permissions reports whether the host granted what scanning needs.
// Acquiring them is the caller's job.
type Permissions interface {
	Granted() bool
}

// PermissionsFunc adapts a function to Permissions.
type PermissionsFunc func() bool

func (f PermissionsFunc) Granted() bool { return f() }

// AlwaysGranted is used where the OS has no runtime permission model.
var AlwaysGranted = PermissionsFunc(func() bool { return true })
