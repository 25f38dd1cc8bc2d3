package device

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/srg/blesupport/internal/bledb"
	"github.com/srg/blesupport/internal/groutine"
)

// ScanSourceFactory opens the platform radio for scanning.
type ScanSourceFactory func() (ScanSource, error)

// ScanFilter narrows which sightings reach the Registry. Empty lists match everything.
type ScanFilter struct {
	AllowList    []string
	BlockList    []string
	ServiceUUIDs []string
}

func (f ScanFilter) match(adv Advertisement) bool {
	addr := adv.Addr()
	if slices.Contains(f.BlockList, addr) {
		return false
	}
	if len(f.AllowList) > 0 && !slices.Contains(f.AllowList, addr) {
		return false
	}
	if len(f.ServiceUUIDs) == 0 {
		return true
	}
	advertised := bledb.NormalizeUUIDs(adv.Services())
	for _, required := range bledb.NormalizeUUIDs(f.ServiceUUIDs) {
		if slices.Contains(advertised, required) {
			return true
		}
	}
	return false
}

// Scanner runs one continuous scan at a time and feeds the Registry.
type Scanner struct {
	registry *Registry
	factory  ScanSourceFactory
	perms    Permissions
	logger   *logrus.Logger

	scanning atomic.Bool

	mu     sync.Mutex
	filter ScanFilter
	cancel context.CancelFunc
	done   chan struct{}
	gen    uint64
	err    error
}

// NewScanner wires a Scanner to registry. perms may be nil (always granted).
func NewScanner(registry *Registry, factory ScanSourceFactory, perms Permissions, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	if perms == nil {
		perms = AlwaysGranted
	}
	done := make(chan struct{})
	close(done)
	return &Scanner{
		registry: registry,
		factory:  factory,
		perms:    perms,
		logger:   logger,
		done:     done,
	}
}

// SetFilter applies to sightings received after the call.
func (s *Scanner) SetFilter(f ScanFilter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = f
}

// StartScanning begins a continuous scan. It returns false when permissions
// are missing, a scan is already running, or the radio cannot be opened.
func (s *Scanner) StartScanning() bool {
	if !s.perms.Granted() {
		s.logger.Warn("Scan permissions not granted")
		return false
	}
	if !s.scanning.CompareAndSwap(false, true) {
		return false
	}

	src, err := s.factory()
	if err != nil {
		s.logger.WithError(err).Error("Failed to open BLE radio for scanning")
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.scanning.Store(false)
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.cancel = cancel
	s.done = done
	s.err = nil
	s.mu.Unlock()

	s.logger.Info("Scan started")
	groutine.Go(ctx, "ble-scan", func(ctx context.Context) {
		defer close(done)
		err := src.Scan(ctx, true, s.handleAdvertisement)
		s.finish(gen, err)
	})
	return true
}

func (s *Scanner) handleAdvertisement(adv Advertisement) {
	s.mu.Lock()
	f := s.filter
	s.mu.Unlock()
	if !f.match(adv) {
		return
	}
	s.registry.Observe(adv)
}

// finish clears the scan state unless a newer scan replaced it.
func (s *Scanner) finish(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		s.err = err
		s.logger.WithError(err).Error("Scan failed")
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
		s.scanning.Store(false)
	}
}

// StopScanning cancels the active scan and its scan-scoped work.
// It returns false when no scan is running.
func (s *Scanner) StopScanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	s.cancel = nil
	s.scanning.Store(false)
	s.logger.Info("Scan stopped")
	return true
}

func (s *Scanner) IsScanning() bool {
	return s.scanning.Load()
}

// Done is closed once the goroutine of the latest scan has exited.
func (s *Scanner) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err is the failure that ended the latest scan, if any.
func (s *Scanner) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
