package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blesupport/internal/bledb"
	"github.com/srg/blesupport/internal/codec"
	"github.com/srg/blesupport/internal/device"
)

// notifyCmd represents the notify command
var notifyCmd = &cobra.Command{
	Use:   "notify <device-address> <characteristic-uuid>",
	Short: "Print characteristic notifications",
	Long: `Connects to the device, enables notifications on the characteristic and
prints every value change until interrupted or the duration elapses.

Examples:
  # Follow Heart Rate Measurement until Ctrl+C
  blesupport notify AA:BB:CC:DD:EE:FF 2a37

  # Follow for 30 seconds, printing hex
  blesupport notify AA:BB:CC:DD:EE:FF 2a37 --duration 30s --hex`,
	Args: cobra.ExactArgs(2),
	RunE: runNotify,
}

var (
	notifyDuration time.Duration
	notifyHex      bool
)

func init() {
	notifyCmd.Flags().DurationVarP(&notifyDuration, "duration", "d", 0, "Stop after this long (0 runs until interrupted)")
	notifyCmd.Flags().BoolVar(&notifyHex, "hex", false, "Print values as hex instead of decoding them")
}

func runNotify(cmd *cobra.Command, args []string) error {
	address := args[0]
	uuids, err := bledb.ValidateUUIDs(args[1])
	if err != nil {
		return err
	}
	uuid := uuids[0]

	a, err := newApp(cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := interruptContext(cmd.Context())
	defer stop()

	if err := a.connect(ctx, address); err != nil {
		return err
	}
	defer a.disconnect(address)

	dev := a.registry.Device(address)
	values := dev.Values()
	defer values.Cancel()
	statuses := dev.Statuses()
	defer statuses.Cancel()

	if _, err := a.manager.SetNotify(ctx, address, uuid, true).Unwrap(); err != nil {
		return err
	}

	label := characteristicLabel(ctx, a, address, uuid)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Listening for %s notifications (Ctrl+C to stop)\n", nameColor.Sprint(label))

	var deadline <-chan time.Time
	if notifyDuration > 0 {
		timer := time.NewTimer(notifyDuration)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline:
			a.manager.SetNotify(ctx, address, uuid, false)
			return nil
		case st, ok := <-statuses.C():
			if !ok || st == device.Disconnected {
				return ErrConnectionLost
			}
		case v, ok := <-values.C():
			if !ok {
				return ErrConnectionLost
			}
			if bledb.NormalizeUUID(v.Characteristic) != uuid {
				continue
			}
			rendered := codec.DecodeAsString(v.Value)
			if notifyHex {
				rendered = codec.FormatHexPrefixed(v.Value)
			}
			fmt.Fprintf(out, "%s %s\n", dimColor.Sprint(time.Now().Format("15:04:05.000")), valueColor.Sprint(rendered))
		}
	}
}
