package main

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/openjobspec/ojs-recovery-nats/internal/server"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgPath    string
	workerName string
	bindingKey string
	isDebug    bool
)

var rootCmd = &cobra.Command{
	Use:          "ojs-recovery",
	Short:        "Blocked-job recovery service",
	Long:         `ojs-recovery tracks jobs blocked by unavailable systems, applications, services or quotas and resubmits them once the blocking condition clears.`,
	SilenceUsage: true,
	RunE:         runRecovery,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "YAML config file")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
	rootCmd.Flags().StringVar(&workerName, "name", "", "worker name of this process (required)")
	rootCmd.Flags().StringVar(&bindingKey, "binding-key", "", "subject filter for recovery messages (default ojs.recovery.>)")

	rootCmd.AddCommand(sendCmd, eventsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the process logger: tint for text, slog JSON otherwise.
func newLogger(cfg server.LoggingConfig, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))
}
