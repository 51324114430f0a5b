// Package cmd wires the ouroboros CLI: the launcher parent, the
// supervisor host, the pool worker child, and the operator commands
// (chat, doctor, migrate).
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/wationgarbarad-glitch/ouroboros-desktop/cmd.Version=v1.0.0"
var Version = "dev"

var (
	homeFlag  string
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "ouroboros",
	Short: "Ouroboros — self-evolving agent supervisor",
	Long: "Ouroboros hosts an LLM agent that maintains and rewrites its own code in a\n" +
		"git-backed working tree, executes tasks in a pool of worker processes, and\n" +
		"talks to its owner over a local web UI or Telegram. The bare command runs\n" +
		"the launcher: it spawns the supervisor and restarts it across self-updates.",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runLauncher())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&homeFlag, "home", "", "app root directory (default: $OUROBOROS_HOME or ~/Ouroboros)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format: text or json")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ouroboros %s %s/%s\n", Version, runtime.GOOS, runtime.GOARCH)
		},
	}
}

// appPaths resolves the on-disk layout from --home, $OUROBOROS_HOME, or
// the default ~/Ouroboros.
func appPaths() config.Paths {
	if homeFlag != "" {
		return config.Paths{Root: config.ExpandHome(homeFlag)}
	}
	if v := os.Getenv("OUROBOROS_HOME"); v != "" {
		return config.Paths{Root: config.ExpandHome(v)}
	}
	return config.DefaultPaths()
}

// setupLogging installs the process-wide slog default. Worker processes
// pass os.Stderr because their stdout carries the event protocol.
func setupLogging(w io.Writer) {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(logFormat, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
