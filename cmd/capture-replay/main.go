// Command capture-replay runs recorded camera frames through the capture
// engine. It writes the captured session to disk, keeps an SQLite ledger
// of what happened, and can serve the tuning API while frames play.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/smileidentity/captureflow/internal/capture"
	"github.com/smileidentity/captureflow/internal/monitoring"
	"github.com/smileidentity/captureflow/internal/version"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:     "capture-replay",
	Short:   "Replay recorded frames through the capture engine",
	Version: version.Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(cmd.ErrOrStderr(), logLevel)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "ops", "Log streams to print: none, ops, diag or trace")
}

// setupLogging enables the capture log streams up to level. Each level
// includes the ones before it.
func setupLogging(w io.Writer, level string) error {
	var lw capture.LogWriters
	switch level {
	case "none":
	case "ops":
		lw.Ops = w
	case "diag":
		lw.Ops, lw.Diag = w, w
	case "trace":
		lw.Ops, lw.Diag, lw.Trace = w, w, w
	default:
		return fmt.Errorf("unknown log level %q (want none, ops, diag or trace)", level)
	}
	capture.SetLogWriters(lw)
	monitoring.SetWriter(lw.Ops, "[capture-replay] ")
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
