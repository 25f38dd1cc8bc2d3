// Package device tracks the Bluetooth Low Energy peripherals seen while scanning.
//
// The Registry owns one Device per address. Scan sightings update a Device in
// place, smoothing its signal strength and refreshing its last-seen time; a
// Device older than the stale window is excluded from ValidDevices but is never
// destroyed. Each Device exposes connection-status, descriptor and value
// streams that the GATT layer publishes into.
package device
