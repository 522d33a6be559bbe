//go:build linux

package main

import (
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"floss-socketmgr/internal/config"
	"floss-socketmgr/internal/logging"
	"floss-socketmgr/internal/socketmgr"
)

var (
	flagConfig   string
	flagHCI      int
	flagTimeout  time.Duration
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:           "socketmgr-cli",
	Short:         "Drive the Floss SocketManager interface",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "path to yaml config file")
	pf.IntVar(&flagHCI, "hci", -1, "adapter index (overrides config)")
	pf.DurationVar(&flagTimeout, "timeout", 0, "notification wait timeout (overrides config)")
	pf.StringVar(&flagLogLevel, "log-level", "", "debug, info, warn or error (overrides config)")
}

// setup loads the config, applies flag overrides and builds the logger.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, nil, err
	}
	if flagHCI >= 0 {
		cfg.HCI = flagHCI
	}
	if flagTimeout > 0 {
		cfg.ResponseLatencySecs = int(flagTimeout / time.Second)
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}
	log := logging.New(&logging.Config{
		Level:  logging.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
	})
	return cfg, log, nil
}

// newManager builds a manager over a fresh system-bus transport. The caller
// must close the returned transport.
func newManager(cfg *config.Config, log *slog.Logger) (*socketmgr.Manager, *socketmgr.DbusTransport, error) {
	transport, err := socketmgr.NewDbusTransport(cfg.HCI, log)
	if err != nil {
		return nil, nil, err
	}
	mgr, err := socketmgr.NewManager(transport, socketmgr.Options{
		Logger:          log,
		ResponseLatency: cfg.ResponseLatency(),
		EvictAfter:      cfg.EvictAfter(),
	})
	if err != nil {
		transport.Close()
		return nil, nil, err
	}
	return mgr, transport, nil
}

func waitTimeout(cfg *config.Config) time.Duration {
	if flagTimeout > 0 {
		return flagTimeout
	}
	return cfg.ResponseLatency()
}
