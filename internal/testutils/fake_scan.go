package testutils

import (
	"context"
	"sync"

	"github.com/srg/blesupport/internal/device"
)

// FakeScanSource is a device.ScanSource that replays its advertisements on
// every scan, then blocks until the scan is cancelled.
type FakeScanSource struct {
	mu  sync.Mutex
	ads []device.Advertisement
	err error
}

var _ device.ScanSource = (*FakeScanSource)(nil)

func NewFakeScanSource(ads ...device.Advertisement) *FakeScanSource {
	return &FakeScanSource{ads: ads}
}

// Add queues more advertisements for the following scans.
func (f *FakeScanSource) Add(ads ...device.Advertisement) *FakeScanSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ads = append(f.ads, ads...)
	return f
}

// FailWith makes the following scans end with err right after replaying.
func (f *FakeScanSource) FailWith(err error) *FakeScanSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
	return f
}

func (f *FakeScanSource) Scan(ctx context.Context, _ bool, handler func(device.Advertisement)) error {
	f.mu.Lock()
	ads := append([]device.Advertisement(nil), f.ads...)
	err := f.err
	f.mu.Unlock()

	for _, a := range ads {
		handler(a)
	}
	if err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

// Factory adapts the source to device.ScanSourceFactory.
func (f *FakeScanSource) Factory() device.ScanSourceFactory {
	return func() (device.ScanSource, error) { return f, nil }
}
