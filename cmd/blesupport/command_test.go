package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blesupport/internal/gatt"
	"github.com/srg/blesupport/internal/testutils"
)

const (
	TestDeviceAddress1 = "00:00:00:00:00:01"
	TestDeviceAddress2 = "00:00:00:00:00:02"
)

// CommandTestSuite runs the real command tree against an in-memory radio.
type CommandTestSuite struct {
	suite.Suite
	stack        *testutils.FakeStack
	source       *testutils.FakeScanSource
	configPath   string
	origPlatform func(*logrus.Logger) (*platform, error)
}

func (s *CommandTestSuite) SetupSuite() {
	color.NoColor = true
	s.origPlatform = openPlatform
}

func (s *CommandTestSuite) TearDownSuite() {
	openPlatform = s.origPlatform
}

func (s *CommandTestSuite) SetupTest() {
	resetFlags()

	s.stack = testutils.NewFakeStack()
	s.stack.AddPeripheral(testutils.NewFakePeripheral(TestDeviceAddress1).
		WithService("180f").
		WithCharacteristic("2a19", gatt.PropRead|gatt.PropNotify, []byte{0x64}, "2904", "2902").
		WithDescriptorValue("2a19", "2904", []byte{0x04, 0x00, 0xAD, 0x27, 0x01, 0x00, 0x00}).
		WithDescriptorValue("2a19", "2902", []byte{0x00, 0x00}).
		WithService("6e400001-b5a3-f393-e0a9-e50e24dcca9e").
		WithCharacteristic("6e400002-b5a3-f393-e0a9-e50e24dcca9e", gatt.PropWrite, nil))

	s.source = testutils.NewFakeScanSource(
		testutils.CreateMockAdvertisement("Far", TestDeviceAddress2, -90).Build(),
		testutils.CreateMockAdvertisement("Thermo", TestDeviceAddress1, -30).Build(),
	)

	stack, source := s.stack, s.source
	openPlatform = func(*logrus.Logger) (*platform, error) {
		// the stack outlives each command; TearDownTest closes it
		return &platform{stack: stack, scan: source.Factory()}, nil
	}

	s.configPath = filepath.Join(s.T().TempDir(), "blesupport.yaml")
	s.Require().NoError(os.WriteFile(s.configPath, []byte(`
connect_timeout: 2s
discovery_delay: 1ms
bonded_discovery_delay: 1ms
connect_attempts: 1
heartbeat_interval: 1h
`), 0o600))
}

func (s *CommandTestSuite) TearDownTest() {
	s.stack.Close()
}

// resetFlags restores every command flag variable to its default.
func resetFlags() {
	scanDuration, scanAll, scanFormat = 0, false, ""
	scanServices, scanAllowList, scanBlockList = nil, nil, nil
	readRaw, readCached = false, false
	writeHex = false
	notifyDuration, notifyHex = 0, false
	serveAllow, serveNoLogs = nil, false
	inspectJSON, inspectDescriptors = false, false

	// cobra keeps parsed values and Changed marks between Execute calls
	reset := func(fs *pflag.FlagSet) {
		fs.VisitAll(func(f *pflag.Flag) {
			if sv, ok := f.Value.(pflag.SliceValue); ok {
				_ = sv.Replace(nil)
			} else {
				_ = f.Value.Set(f.DefValue)
			}
			f.Changed = false
		})
	}
	reset(rootCmd.PersistentFlags())
	reset(rootCmd.Flags())
	for _, c := range rootCmd.Commands() {
		reset(c.Flags())
	}
}

// execute runs the root command with args plus the test config and returns stdout.
func (s *CommandTestSuite) execute(stdin string, args ...string) (string, error) {
	resetFlags()
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(append(args, "--config", s.configPath))
	err := rootCmd.Execute()
	return stdout.String(), err
}

func (s *CommandTestSuite) TestScan() {
	// GOAL: Verify scan lists valid devices strongest first
	//
	// TEST SCENARIO: Two advertisers at -30 and -90 dBm → table shows -30 first with its signal gauge

	out, err := s.execute("", "scan", "--duration", "50ms")
	s.Require().NoError(err)

	s.Contains(out, "ADDRESS")
	thermo := strings.Index(out, TestDeviceAddress1)
	far := strings.Index(out, TestDeviceAddress2)
	s.Require().True(thermo >= 0 && far >= 0, "both devices MUST be listed:\n%s", out)
	s.Less(thermo, far, "stronger device MUST come first")
	s.Contains(out, "-30 dBm")
	s.Contains(out, "▮▮▮▯")
}

func (s *CommandTestSuite) TestScanJSON() {
	// GOAL: Verify the JSON rendering of a scan
	//
	// TEST SCENARIO: Scan with --format json → decodable entries ordered by signal with buckets

	out, err := s.execute("", "scan", "--duration", "50ms", "--format", "json")
	s.Require().NoError(err)

	var entries []scanEntry
	s.Require().NoError(json.Unmarshal([]byte(out), &entries), "output MUST be JSON: %s", out)
	s.Require().Len(entries, 2)
	s.Equal(TestDeviceAddress1, entries[0].Address)
	s.Equal("Thermo", entries[0].Name)
	s.Equal(3, entries[0].Bucket)
	s.Equal(TestDeviceAddress2, entries[1].Address)
	s.Equal(0, entries[1].Bucket)
	s.NotNil(entries[1].Services, "services MUST render as an array")
}

func (s *CommandTestSuite) TestScanFilters() {
	// GOAL: Verify the block list keeps devices out of the registry
	//
	// TEST SCENARIO: Block the strong device → only the weak one is listed

	out, err := s.execute("", "scan", "--duration", "50ms", "--block", TestDeviceAddress1)
	s.Require().NoError(err)
	s.NotContains(out, TestDeviceAddress1)
	s.Contains(out, TestDeviceAddress2)
}

func (s *CommandTestSuite) TestScanInvalidArguments() {
	// GOAL: Verify bad arguments are rejected and do not leak into the next run
	//
	// TEST SCENARIO: --format xml, then --services not-a-uuid, then a clean scan → each run sees only its own flags

	_, err := s.execute("", "scan", "--format", "xml")
	s.ErrorContains(err, "invalid format")

	_, err = s.execute("", "scan", "--services", "not-a-uuid")
	s.ErrorContains(err, "invalid service UUID", "--format from the previous run MUST NOT carry over")

	out, err := s.execute("", "scan", "--duration", "50ms")
	s.Require().NoError(err, "--services from the previous run MUST NOT carry over")
	s.Contains(out, TestDeviceAddress1)
}

func (s *CommandTestSuite) TestScanEmpty() {
	s.source = testutils.NewFakeScanSource()
	source := s.source
	stack := s.stack
	openPlatform = func(*logrus.Logger) (*platform, error) {
		return &platform{stack: stack, scan: source.Factory()}, nil
	}

	out, err := s.execute("", "scan", "--duration", "20ms")
	s.Require().NoError(err)
	s.Contains(out, "No devices discovered")
}

func (s *CommandTestSuite) TestRead() {
	// GOAL: Verify read decodes through the presentation format descriptor
	//
	// TEST SCENARIO: Battery Level 0x64 with a uint8 percent format → "100 Percent"

	out, err := s.execute("", "read", TestDeviceAddress1, "2A19")
	s.Require().NoError(err)
	s.Equal("Battery Level (2a19): 100 Percent\n", out)

	out, err = s.execute("", "read", TestDeviceAddress1, "2a19", "--raw")
	s.Require().NoError(err)
	s.Equal("Battery Level (2a19): 0x64\n", out)
}

func (s *CommandTestSuite) TestReadFailures() {
	_, err := s.execute("", "read", TestDeviceAddress2, "2a19")
	s.ErrorContains(err, "failed to connect", "unknown peripheral MUST fail to connect")

	_, err = s.execute("", "read", TestDeviceAddress1, "2a37")
	s.ErrorContains(err, gatt.MsgReadFailed, "missing characteristic MUST fail the read")

	_, err = s.execute("", "read", TestDeviceAddress1, "zz")
	s.ErrorContains(err, "invalid UUID")
}

func (s *CommandTestSuite) TestWrite() {
	// GOAL: Verify text and hex writes reach the peripheral
	//
	// TEST SCENARIO: Write "hi" then hex "0x0A0B" → peripheral holds the last value

	const rx = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"

	out, err := s.execute("", "write", TestDeviceAddress1, rx, "hi")
	s.Require().NoError(err)
	s.Contains(out, "Wrote 2 bytes")

	out, err = s.execute("", "write", TestDeviceAddress1, rx, "0x0A0B", "--hex")
	s.Require().NoError(err)
	s.Contains(out, "Wrote 2 bytes")

	_, err = s.execute("", "write", TestDeviceAddress1, rx, "zz", "--hex")
	s.ErrorContains(err, "invalid hex value")
}

func (s *CommandTestSuite) TestDescriptor() {
	out, err := s.execute("", "descriptor", TestDeviceAddress1, "2a19", "2902")
	s.Require().NoError(err)
	s.Contains(out, "Client Characteristic Configuration (2902): disabled")
	s.Contains(out, "raw: 0x0000")
}

func (s *CommandTestSuite) TestNotify() {
	// GOAL: Verify notify prints value changes of the followed characteristic
	//
	// TEST SCENARIO: Enable notifications, peripheral pushes "ok" → value printed before the duration ends

	go func() {
		s.Eventually(func() bool {
			conn := s.stack.Conn(TestDeviceAddress1)
			return conn != nil && conn.Notifying("2a19")
		}, 2*time.Second, 5*time.Millisecond)
		if conn := s.stack.Conn(TestDeviceAddress1); conn != nil {
			conn.Notify("2a19", []byte("ok"))
		}
	}()

	out, err := s.execute("", "notify", TestDeviceAddress1, "2a19", "--duration", "500ms")
	s.Require().NoError(err)
	s.Contains(out, "Listening for Battery Level (2a19) notifications")
	s.Contains(out, " ok\n", "notification MUST be printed")
}

func (s *CommandTestSuite) TestInspect() {
	// GOAL: Verify inspect lists the GATT tree with decoded values
	//
	// TEST SCENARIO: Inspect with --descriptors → service names, properties, decoded value and descriptor values

	out, err := s.execute("", "inspect", TestDeviceAddress1, "--descriptors")
	s.Require().NoError(err)
	s.Contains(out, "Service 180f (Battery Service)")
	s.Contains(out, "2a19 Battery Level [read,notify] = 100 Percent")
	s.Contains(out, "2902 Client Characteristic Configuration: disabled")
	s.Contains(out, "6e400002b5a3f393e0a9e50e24dcca9e")

	out, err = s.execute("", "inspect", TestDeviceAddress1, "--json")
	s.Require().NoError(err)
	var services []map[string]any
	s.Require().NoError(json.Unmarshal([]byte(out), &services), "output MUST be JSON: %s", out)
	s.Len(services, 2)
}

func (s *CommandTestSuite) TestServe() {
	// GOAL: Verify serve answers protocol lines on stdout
	//
	// TEST SCENARIO: A read without a connected device and a garbage line → two error replies

	stdin := `{"id":"q1","kind":"query","category":111,"data":{"uuid":"2a19"}}` + "\n" + "not json\n"
	out, err := s.execute(stdin, "serve", "--no-logs")
	s.Require().NoError(err)

	var replies []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		var m map[string]any
		s.Require().NoError(json.Unmarshal([]byte(line), &m), "every line MUST be JSON: %s", line)
		replies = append(replies, m)
	}
	s.Require().Len(replies, 2)

	byID := map[string]map[string]any{}
	for _, r := range replies {
		id, _ := r["id"].(string)
		byID[id] = r
	}
	s.Equal("error", byID["q1"]["kind"])
	s.Equal("Not connected to device", byID["q1"]["error"].(map[string]any)["message"])
	s.Equal(float64(4), byID[""]["error"].(map[string]any)["code"], "garbage MUST yield a json parse error")
}

func (s *CommandTestSuite) TestInvalidLogLevel() {
	_, err := s.execute("", "read", TestDeviceAddress1, "2a19", "--log-level", "loud")
	s.ErrorContains(err, "invalid log level")
}

func TestCommandTestSuite(t *testing.T) {
	suite.Run(t, new(CommandTestSuite))
}
