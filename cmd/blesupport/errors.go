package main

import (
	"errors"
	"strings"

	"github.com/srg/blesupport/internal/device"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the link dropped while a command was still using it.
	ErrConnectionLost = errors.New("connection lost")
	// ErrScanUnavailable means the radio could not start a scan.
	ErrScanUnavailable = errors.New("unable to start scanning")
)

// FormatUserError turns known failures into a one-line hint for the terminal.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off; enable it and retry"
	case errors.Is(err, device.ErrNotInitialized):
		return "Bluetooth adapter is not available: " + err.Error()
	case errors.Is(err, device.ErrTimeout):
		return "Device did not respond in time; move closer and retry"
	case errors.Is(err, device.ErrUnsupported):
		return "BLE is not supported on this platform"
	}

	msg := err.Error()
	if msg == "" {
		return "unknown error"
	}
	return strings.ToUpper(msg[:1]) + msg[1:]
}
