package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/srg/blesupport/internal/bledb"
	"github.com/srg/blesupport/internal/codec"
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <device-address> <characteristic-uuid> <value>",
	Short: "Write a value to a characteristic",
	Long: `Connects to the device and writes the value to the characteristic.
The value is sent as UTF-8 text unless --hex is given.

Examples:
  # Write text
  blesupport write AA:BB:CC:DD:EE:FF 6e400002-b5a3-f393-e0a9-e50e24dcca9e "hello"

  # Write bytes; a 0x prefix and odd length are accepted
  blesupport write AA:BB:CC:DD:EE:FF ff01 0x0A0B --hex`,
	Args: cobra.ExactArgs(3),
	RunE: runWrite,
}

var writeHex bool

func init() {
	writeCmd.Flags().BoolVar(&writeHex, "hex", false, "Interpret the value as hex bytes")
}

func runWrite(cmd *cobra.Command, args []string) error {
	address := args[0]
	uuids, err := bledb.ValidateUUIDs(args[1])
	if err != nil {
		return err
	}
	uuid := uuids[0]

	value := []byte(args[2])
	if writeHex {
		b, ok := codec.ParseHex(args[2])
		if !ok {
			return fmt.Errorf("invalid hex value %q", args[2])
		}
		value = b
	}

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

	if _, err := a.manager.WriteCharacteristic(ctx, address, uuid, value).Unwrap(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d bytes to %s\n", len(value), nameColor.Sprint(characteristicLabel(ctx, a, address, uuid)))
	return nil
}
