package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/srg/blesupport/internal/bledb"
	"github.com/srg/blesupport/internal/codec"
)

// descriptorCmd represents the descriptor command
var descriptorCmd = &cobra.Command{
	Use:   "descriptor <device-address> <characteristic-uuid> <descriptor-uuid>",
	Short: "Read a characteristic descriptor",
	Long: `Connects to the device and reads one descriptor of a characteristic.
Well-known descriptors (0x2900, 0x2901, 0x2902, 0x2904) are decoded.

Examples:
  # Client Characteristic Configuration of Heart Rate Measurement
  blesupport descriptor AA:BB:CC:DD:EE:FF 2a37 2902`,
	Args: cobra.ExactArgs(3),
	RunE: runDescriptor,
}

func runDescriptor(cmd *cobra.Command, args []string) error {
	address := args[0]
	uuids, err := bledb.ValidateUUIDs(args[1], args[2])
	if err != nil {
		return err
	}
	characteristic, descriptor := uuids[0], uuids[1]

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

	d, err := a.manager.ReadDescriptor(ctx, address, characteristic, descriptor).Unwrap()
	if err != nil {
		return err
	}

	label := bledb.LookupDescriptor(descriptor)
	if label == "" {
		label = descriptor
	} else {
		label = fmt.Sprintf("%s (%s)", label, descriptor)
	}
	out := cmd.OutOrStdout()
	printValue(out, label, codec.DescribeDescriptor(descriptor, d.Value))
	fmt.Fprintf(out, "%s %s\n", dimColor.Sprint("raw:"), codec.FormatHexPrefixed(d.Value))
	return nil
}
