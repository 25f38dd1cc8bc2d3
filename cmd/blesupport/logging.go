package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blesupport/pkg/config"
)

// loadConfig reads the file named by --config, or the defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// configureLogger builds the command logger. --log-level takes precedence;
// without it the logger stays silent unless verbose is set, in which case
// the configured level applies. Logs always go to stderr.
func configureLogger(cmd *cobra.Command, cfg *config.Config, verbose bool) (*logrus.Logger, error) {
	logger := cfg.NewLogger()
	logger.SetOutput(cmd.ErrOrStderr())

	logLevelStr, _ := cmd.Flags().GetString("log-level")
	switch {
	case logLevelStr != "":
		switch logLevelStr {
		case "debug", "info", "warn", "error":
		default:
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", logLevelStr)
		}
		lvl, _ := logrus.ParseLevel(logLevelStr)
		logger.SetLevel(lvl)
	case !verbose:
		// Default to panic level (essentially silent for normal operations)
		logger.SetLevel(logrus.PanicLevel)
	}

	return logger, nil
}
