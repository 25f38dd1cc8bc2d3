package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

// NewDevice opens CoreBluetooth in central mode.
func NewDevice() (ble.Device, error) {
	dev, err := darwin.NewDevice()
	if err != nil {
		return nil, err
	}
	return dev, nil
}
