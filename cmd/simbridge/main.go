package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	simerrors "github.com/simbridge-dev/simbridge/internal/errors"
	"github.com/simbridge-dev/simbridge/pkg/config"
)

// Build information set at build time.
var (
	commit = "none"
	date   = "unknown"
)

const banner = `
  ┌─┐┬┌┬┐┌┐ ┬─┐┬┌┬┐┌─┐┌─┐
  └─┐││││├┴┐├┬┘│ │││ ┬├┤
  └─┘┴┴ ┴└─┘┴└─┴─┴┘└─┘└─┘
`

func main() {
	if err := newRootCmd().Execute(); err != nil {
		simerrors.Print(os.Stderr, describe(err))
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	logLevel   string
	configPath string
	profile    string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "simbridge",
		Short: "Connect simulators to a brain",
		Long: `simbridge connects simulators to a remote brain over WebSocket.

The brain drives training episodes (or asks for predictions) and the
simulator answers with states and rewards. Features include:

  • Automatic reconnect with jittered backoff
  • Per-step recording to CSV or JSON lines, with S3 upload
  • Prometheus metrics and OpenTelemetry spans
  • A local fake brain for development`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", config.DefaultPath(), "Profile file")
	rootCmd.PersistentFlags().StringVar(&g.profile, "profile", "", "Profile to load (default from the profile file)")

	rootCmd.AddCommand(
		runCmd(g),
		mockserverCmd(g),
		configureCmd(g),
		versionCmd(),
	)
	return rootCmd
}

// logger builds the process logger from --log-level.
func (g *globalFlags) logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.logLevel)); err != nil {
		return nil, simerrors.Newf(simerrors.CategoryCLI, "invalid --log-level %q", g.logLevel)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger, nil
}

// printBanner prints the ASCII art banner.
func printBanner() {
	fmt.Print(banner)
}

// success prints a success message.
func success(format string, args ...any) {
	fmt.Printf("\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}

// info prints an info message.
func info(format string, args ...any) {
	fmt.Printf("  %s\n", fmt.Sprintf(format, args...))
}
