package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/srg/blesupport/internal/bledb"
	"github.com/srg/blesupport/internal/codec"
	"github.com/srg/blesupport/internal/gatt"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <device-address> <characteristic-uuid>",
	Short: "Read and decode a characteristic value",
	Long: `Connects to the device, reads the characteristic and decodes it using its
presentation format descriptor when the device exposes one.

Examples:
  # Read Battery Level
  blesupport read AA:BB:CC:DD:EE:FF 2a19

  # Print the raw bytes as hex
  blesupport read AA:BB:CC:DD:EE:FF 2a19 --raw`,
	Args: cobra.ExactArgs(2),
	RunE: runRead,
}

var (
	readRaw    bool
	readCached bool
)

func init() {
	readCmd.Flags().BoolVar(&readRaw, "raw", false, "Print the undecoded value as hex")
	readCmd.Flags().BoolVar(&readCached, "cached", false, "Serve the value from the read cache when present")
}

func runRead(cmd *cobra.Command, args []string) error {
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

	out := cmd.OutOrStdout()
	if readRaw {
		raw, err := a.manager.ReadCharacteristicRaw(ctx, address, uuid).Unwrap()
		if err != nil {
			return fmt.Errorf("%s: %w", gatt.MsgReadFailed, err)
		}
		printValue(out, characteristicLabel(ctx, a, address, uuid), codec.FormatHexPrefixed(raw.Value))
		return nil
	}

	read := a.manager.ReadCharacteristic
	if readCached {
		read = a.manager.ReadCachedCharacteristic
	}
	r, err := read(ctx, address, uuid).Unwrap()
	if err != nil {
		return err
	}
	printValue(out, characteristicLabel(ctx, a, address, uuid), r.Formatted)
	return nil
}

// characteristicLabel is "Name (uuid)", or just the uuid when no name resolves.
func characteristicLabel(ctx context.Context, a *app, address, uuid string) string {
	c, ok := gatt.FindCharacteristic(a.manager.Services(address), uuid)
	if !ok {
		return uuid
	}
	name := a.manager.CharacteristicName(ctx, address, c)
	if name == "" || name == c.UUID {
		return c.UUID
	}
	return fmt.Sprintf("%s (%s)", name, c.UUID)
}

func printValue(w io.Writer, label, value string) {
	fmt.Fprintf(w, "%s: %s\n", nameColor.Sprint(label), valueColor.Sprint(value))
}
