package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// NewDevice opens the default HCI adapter.
func NewDevice() (ble.Device, error) {
	dev, err := linux.NewDevice()
	if err != nil {
		return nil, err
	}
	return dev, nil
}
