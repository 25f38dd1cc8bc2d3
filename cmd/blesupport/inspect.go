package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/srg/blesupport/internal/bledb"
	"github.com/srg/blesupport/internal/codec"
	"github.com/srg/blesupport/internal/gatt"
	"github.com/srg/blesupport/internal/session"
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect <device-address>",
	Short: "Inspect services, characteristics, and descriptors of a BLE device",
	Long: `Connects to a BLE device by address and lists its services and
characteristics. Readable characteristics are read and decoded; with
--descriptors every descriptor value is read as well.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

var (
	inspectJSON        bool
	inspectDescriptors bool
)

func init() {
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Output as JSON")
	inspectCmd.Flags().BoolVar(&inspectDescriptors, "descriptors", false, "Read and show descriptor values")
}

func runInspect(cmd *cobra.Command, args []string) error {
	address := args[0]

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

	services := inspectServices(ctx, a, address)
	if err := ctx.Err(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if inspectJSON {
		return writeJSON(out, services)
	}
	discovered := a.manager.Services(address)
	for i, svc := range services {
		printService(ctx, out, a, address, svc, discovered[i])
	}
	return nil
}

// inspectServices reads every readable characteristic of the connected device.
func inspectServices(ctx context.Context, a *app, address string) []session.ServiceInfo {
	var out []session.ServiceInfo
	for _, svc := range a.manager.Services(address) {
		info := session.ServiceInfo{
			UUID:            svc.UUID,
			Name:            bledb.ServiceName(svc.UUID),
			Characteristics: []session.CharacteristicInfo{},
		}
		for _, c := range svc.Characteristics {
			ci := session.CharacteristicInfo{
				UUID:     c.UUID,
				Name:     a.manager.CharacteristicName(ctx, address, c),
				Read:     c.CanRead(),
				Write:    c.CanWrite(),
				Notify:   c.CanNotify(),
				Encoding: string(session.EncodingUTF8),
			}
			if c.CanRead() {
				if r := a.manager.ReadCharacteristic(ctx, address, c.UUID); r.OK() {
					ci.Value = r.Value().Formatted
				}
			}
			info.Characteristics = append(info.Characteristics, ci)
		}
		out = append(out, info)
	}
	return out
}

func properties(ci session.CharacteristicInfo) string {
	var p []string
	if ci.Read {
		p = append(p, "read")
	}
	if ci.Write {
		p = append(p, "write")
	}
	if ci.Notify {
		p = append(p, "notify")
	}
	return strings.Join(p, ",")
}

func printService(ctx context.Context, w io.Writer, a *app, address string, info session.ServiceInfo, svc gatt.Service) {
	headerColor.Fprintf(w, "Service %s", info.UUID)
	if info.Name != info.UUID {
		fmt.Fprintf(w, " (%s)", info.Name)
	}
	fmt.Fprintln(w)

	for i, ci := range info.Characteristics {
		fmt.Fprintf(w, "  %s %s [%s]", nameColor.Sprint(ci.UUID), ci.Name, properties(ci))
		if ci.Value != "" {
			fmt.Fprintf(w, " = %s", valueColor.Sprint(ci.Value))
		}
		fmt.Fprintln(w)

		for _, d := range svc.Characteristics[i].Descriptors {
			name := bledb.LookupDescriptor(d)
			if name == "" {
				name = d
			}
			if !inspectDescriptors {
				fmt.Fprintf(w, "    %s %s\n", dimColor.Sprint(d), name)
				continue
			}
			r := a.manager.ReadDescriptor(ctx, address, ci.UUID, d)
			if !r.OK() {
				fmt.Fprintf(w, "    %s %s: %s\n", dimColor.Sprint(d), name, warningColor.Sprint(r.Message()))
				continue
			}
			fmt.Fprintf(w, "    %s %s: %s\n", dimColor.Sprint(d), name, codec.DescribeDescriptor(d, r.Value().Value))
		}
	}
}
