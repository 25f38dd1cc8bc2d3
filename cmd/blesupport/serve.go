package main

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/srg/blesupport/internal/oplog"
	"github.com/srg/blesupport/internal/session"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the remote-support protocol over stdin/stdout",
	Long: `Reads line-delimited JSON messages from stdin and answers them on stdout.

A remote peer can list nearby devices, connect to one, read, write and
subscribe to its characteristics. While a device is connected a diagnostic
heartbeat is sent every heartbeat_interval. Log records at or above
oplog_level are forwarded as messages of kind "log" unless --no-logs is set.

Logs are written to stderr so they never mix with protocol output.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveAllow  []string
	serveNoLogs bool
)

func init() {
	serveCmd.Flags().StringSliceVar(&serveAllow, "allow", nil, "Only approve connect requests for these addresses (default: approve all)")
	serveCmd.Flags().BoolVar(&serveNoLogs, "no-logs", false, "Do not forward log records to the peer")
}

// allowListApprover approves connect requests for the listed addresses only.
func allowListApprover(addresses []string) session.ApproveFunc {
	if len(addresses) == 0 {
		return nil
	}
	allowed := make([]string, len(addresses))
	for i, a := range addresses {
		allowed[i] = strings.ToUpper(a)
	}
	return func(_ context.Context, address string) (bool, error) {
		return slices.Contains(allowed, strings.ToUpper(address)), nil
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	cmd.SilenceUsage = true

	var logs *oplog.Collector
	if !serveNoLogs {
		threshold := a.cfg.OplogThreshold()
		if a.logger.GetLevel() < threshold {
			a.logger.SetLevel(threshold)
		}
		logs, err = oplog.Attach(a.logger, a.cfg.OplogSize, threshold)
		if err != nil {
			return fmt.Errorf("failed to start operation log: %w", err)
		}
		defer func() { _ = logs.Stop() }()
	}

	opts := a.cfg.SessionOptions()
	opts.Approve = allowListApprover(serveAllow)

	out := session.NewLineWriter(cmd.OutOrStdout())
	handler := session.NewHandler(a.manager, a.registry, a.scanner, out, opts, a.logger)
	defer handler.Close()

	ctx, stop := interruptContext(cmd.Context())
	defer stop()

	a.logger.Info("Serving remote-support session on stdin/stdout")
	return session.NewServer(handler, out, logs, a.logger).Serve(ctx, cmd.InOrStdin())
}
