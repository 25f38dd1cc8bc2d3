package goble

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ble/ble"

	"github.com/srg/blesupport/internal/device"
	"github.com/srg/blesupport/internal/gatt"
)

// NormalizeError maps known go-ble error strings to the device connection errors.
// The original error stays in the chain.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "is bluetooth turned on"),
		strings.Contains(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case strings.Contains(msg, "device already connected"):
		return fmt.Errorf("%w: %v", device.ErrAlreadyConnected, err)
	case strings.Contains(msg, "device not connected"),
		strings.Contains(msg, "disconnected"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	case strings.Contains(msg, "connection is not initialized"),
		strings.Contains(msg, "can't init hci"):
		return fmt.Errorf("%w: %v", device.ErrNotInitialized, err)
	}
	return err
}

// statusOf turns a go-ble request error into the status reported to callbacks.
func statusOf(err error) gatt.Status {
	if err == nil {
		return gatt.StatusSuccess
	}
	var attErr ble.ATTError
	if errors.As(err, &attErr) {
		switch attErr {
		case ble.ErrReadNotPerm:
			return gatt.StatusReadNotPermitted
		case ble.ErrWriteNotPerm:
			return gatt.StatusWriteNotPermitted
		}
	}
	return gatt.StatusFailure
}
