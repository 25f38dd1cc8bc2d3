package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blesupport/internal/bledb"
	"github.com/srg/blesupport/internal/device"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for Bluetooth Low Energy devices in the vicinity and list them
ranked by smoothed signal strength.

Only devices seen within the staleness window are listed unless --all is given.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanAll       bool
	scanFormat    string
	scanServices  []string
	scanAllowList []string
	scanBlockList []string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (defaults to scan_timeout from config)")
	scanCmd.Flags().BoolVar(&scanAll, "all", false, "Include devices that are no longer advertising")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "", "Output format (table, json); defaults to output_format from config")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Only keep devices advertising one of these service UUIDs")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only keep devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Drop devices with these addresses")
}

// scanEntry is the JSON shape of one scanned device.
type scanEntry struct {
	Address      string   `json:"address"`
	Name         string   `json:"name"`
	DisplayName  string   `json:"displayName"`
	RSSI         int      `json:"rssi"`
	SmoothedRSSI float64  `json:"smoothedRssi"`
	Bucket       int      `json:"bucket"`
	Connectable  bool     `json:"connectable"`
	Services     []string `json:"services"`
	LastSeen     string   `json:"lastSeen"`
}

func runScan(cmd *cobra.Command, _ []string) error {
	if scanFormat != "" && scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}
	if _, err := bledb.ValidateUUIDs(scanServices...); err != nil {
		return fmt.Errorf("invalid service UUID: %w", err)
	}

	a, err := newApp(cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	duration := scanDuration
	if duration <= 0 {
		duration = a.cfg.ScanTimeout
	}
	format := scanFormat
	if format == "" {
		format = a.cfg.OutputFormat
	}

	ctx, stop := interruptContext(cmd.Context())
	defer stop()

	a.scanner.SetFilter(device.ScanFilter{
		AllowList:    scanAllowList,
		BlockList:    scanBlockList,
		ServiceUUIDs: scanServices,
	})
	if err := scan(ctx, a, duration, cmd.ErrOrStderr()); err != nil {
		return err
	}

	devices := a.registry.ValidDevices()
	if scanAll {
		devices = a.registry.Devices()
		device.SortBySignal(devices)
	}

	out := cmd.OutOrStdout()
	if format == "json" {
		return displayDevicesJSON(out, devices)
	}
	return displayDevicesTable(out, devices)
}

// scan runs the radio for duration, or until ctx ends. Interruption is not
// an error: whatever was seen so far is still listed.
func scan(ctx context.Context, a *app, duration time.Duration, progressOut io.Writer) error {
	if !a.scanner.StartScanning() {
		if err := a.scanner.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrScanUnavailable, err)
		}
		return ErrScanUnavailable
	}

	if isTerminal(progressOut) {
		progress := NewCountdownPrinter(progressOut, "Scanning for BLE devices", duration)
		progress.Start()
		defer progress.Stop()
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	done := a.scanner.Done()
	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-done:
		if err := a.scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("scan failed: %w", err)
		}
	}
	a.scanner.StopScanning()
	<-a.scanner.Done()
	return nil
}

func toScanEntry(d *device.Device) scanEntry {
	services := d.Services()
	if services == nil {
		services = []string{}
	}
	return scanEntry{
		Address:      d.Address(),
		Name:         d.Name(),
		DisplayName:  d.DisplayName(),
		RSSI:         d.RSSI(),
		SmoothedRSSI: d.SmoothedRSSI(),
		Bucket:       d.Bucket(),
		Connectable:  d.Connectable(),
		Services:     services,
		LastSeen:     d.LastSeen().Format(time.RFC3339),
	}
}

func displayDevicesJSON(w io.Writer, devices []*device.Device) error {
	entries := make([]scanEntry, 0, len(devices))
	for _, d := range devices {
		entries = append(entries, toScanEntry(d))
	}
	return writeJSON(w, entries)
}

// signalBars renders a 0..4 bucket as a bar gauge.
func signalBars(bucket int) string {
	bucket = max(0, min(bucket, 4))
	return strings.Repeat("▮", bucket) + strings.Repeat("▯", 4-bucket)
}

func displayDevicesTable(w io.Writer, devices []*device.Device) error {
	if len(devices) == 0 {
		fmt.Fprintln(w, "No devices discovered")
		return nil
	}

	nameWidth := max(12, (terminalWidth(w)-60)/2)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	headerColor.Fprintln(tw, "ADDRESS\tNAME\tDISPLAY NAME\tRSSI\tSIGNAL\tLAST SEEN")

	for _, d := range devices {
		lastSeen := time.Since(d.LastSeen()).Truncate(time.Second)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d dBm\t%s\t%s ago\n",
			d.Address(),
			nameColor.Sprint(truncate(d.Name(), nameWidth)),
			dimColor.Sprint(truncate(d.DisplayName(), nameWidth)),
			d.RSSI(),
			valueColor.Sprint(signalBars(d.Bucket())),
			lastSeen)
	}
	return tw.Flush()
}
