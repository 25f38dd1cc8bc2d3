package device_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/blesupport/internal/device"
	"github.com/srg/blesupport/internal/testutils"
)

type RegistryTestSuite struct {
	suite.Suite
	helper   *testutils.TestHelper
	clock    *testutils.FakeClock
	registry *device.Registry
}

func (s *RegistryTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.clock = testutils.NewFakeClock(time.Unix(1_700_000_000, 0))
	s.registry = device.NewRegistry(nil, s.helper.Logger)
	s.registry.SetClock(s.clock.Now)
}

func (s *RegistryTestSuite) TearDownTest() {
	s.registry.Close()
}

// GOAL: one Device per address, created on first sight and updated afterwards
//
// TEST SCENARIO: observe the same address twice -> one device, Added then Updated events
func (s *RegistryTestSuite) TestObserveDeduplicatesByAddress() {
	events := s.registry.Events()
	defer events.Cancel()

	first := s.registry.Observe(testutils.CreateMockAdvertisement("A", "AA", -50).Build())
	second := s.registry.Observe(testutils.CreateMockAdvertisement("A", "AA", -40).Build())

	s.Same(first, second, "the same address MUST map to the same Device")
	s.Equal(1, s.registry.Len())

	e := <-events.C()
	s.Equal(device.EventAdded, e.Type)
	e = <-events.C()
	s.Equal(device.EventUpdated, e.Type)
	s.Equal("updated", e.Type.String())
}

// GOAL: identity and listings hold for a crowded room, not just a handful of devices
//
// TEST SCENARIO: observe 50 addresses twice, then lose them all -> one Device each, every listing complete, empty afterwards
func (s *RegistryTestSuite) TestManyDevices() {
	const count = 50
	first := make(map[string]*device.Device, count)
	for i := 0; i < count; i++ {
		addr := fmt.Sprintf("AA:BB:CC:DD:%02X:%02X", i/256, i%256)
		first[addr] = s.registry.Observe(testutils.CreateMockAdvertisement(fmt.Sprintf("dev-%d", i), addr, -50).Build())
	}

	s.Equal(count, s.registry.Len())
	s.Len(s.registry.Devices(), count, "Devices MUST list every observed address")
	s.Len(s.registry.ValidDevices(), count, "ValidDevices MUST list every fresh device")

	for addr, dev := range first {
		got, ok := s.registry.Get(addr)
		s.Require().True(ok, "device %s MUST be found", addr)
		s.Same(dev, got)
		s.Same(dev, s.registry.Observe(testutils.CreateMockAdvertisement("again", addr, -40).Build()),
			"re-observing %s MUST return the same Device", addr)
	}
	s.Equal(count, s.registry.Len(), "re-observing MUST NOT add devices")

	for addr := range first {
		_, ok := s.registry.Lost(addr)
		s.True(ok, "lost %s MUST remove it", addr)
	}
	s.Equal(0, s.registry.Len())
	s.Empty(s.registry.Devices())
}

// GOAL: ValidDevices excludes stale devices and orders by signal strength
//
// TEST SCENARIO: three devices, one aged past the stale window -> two remain, strongest first
func (s *RegistryTestSuite) TestValidDevicesOrderingAndStaleness() {
	s.registry.Observe(testutils.CreateMockAdvertisement("old", "00", -30).Build())
	s.clock.Advance(31 * time.Second)
	s.registry.Observe(testutils.CreateMockAdvertisement("weak", "01", -80).Build())
	s.registry.Observe(testutils.CreateMockAdvertisement("strong", "02", -40).Build())

	valid := s.registry.ValidDevices()
	s.Require().Len(valid, 2, "device last seen 31s ago MUST be excluded")
	s.Equal("02", valid[0].Address())
	s.Equal("01", valid[1].Address())

	s.Len(s.registry.Devices(), 3, "Devices MUST include stale entries")

	old, ok := s.registry.Get("00")
	s.Require().True(ok)
	s.False(s.registry.IsValid(old))

	s.clock.Advance(10 * time.Second)
	s.Len(s.registry.ValidDevices(), 2, "device seen 10s ago MUST stay valid")
}

// GOAL: Lost removes the device and emits a Removed event
//
// TEST SCENARIO: observe then lose -> Removed event, second Lost is a no-op
func (s *RegistryTestSuite) TestLost() {
	s.registry.Observe(testutils.CreateMockAdvertisement("A", "AA", -50).Build())
	events := s.registry.Events()
	defer events.Cancel()

	dev, ok := s.registry.Lost("AA")
	s.True(ok)
	s.Equal("AA", dev.Address())
	s.Equal(device.EventRemoved, (<-events.C()).Type)

	_, ok = s.registry.Lost("AA")
	s.False(ok, "losing an unknown address MUST report false")
	s.Zero(s.registry.Len())
}

// GOAL: Device creates a never-seen placeholder that is not valid
//
// TEST SCENARIO: Device("ZZ") -> stored, Unknown name, excluded from ValidDevices
func (s *RegistryTestSuite) TestDevicePlaceholder() {
	d := s.registry.Device("ZZ")
	s.Equal(device.UnknownName, d.Name())
	s.Same(d, s.registry.Device("ZZ"))
	s.Empty(s.registry.ValidDevices())
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}
