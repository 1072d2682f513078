package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var replayOpts replayOptions

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Play a directory of frames through one capture session",
	Long: `Replay publishes each frame in the directory to the capture pipeline,
waits for the session to succeed or fail, and prints the outcome.

Detector output is read from detections.json in the frames directory when
present; frames without a recording get a centred, frontal subject.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		replayOpts.Progress = true
		return runReplay(cmd.Context(), replayOpts, cmd.OutOrStdout())
	},
}

func init() {
	addReplayFlags(replayCmd, &replayOpts)
	replayCmd.Flags().BoolVar(&replayOpts.Loop, "loop", false, "Restart from the first frame until the session finishes")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(ctx context.Context, opts replayOptions, out io.Writer) error {
	r, err := newRunner(opts)
	if err != nil {
		return err
	}
	r.start(ctx)

	published, feedErr := r.feed(ctx, true)
	if feedErr == nil {
		r.settle(ctx)
	}
	status, stopErr := r.stop()
	if feedErr != nil {
		return feedErr
	}
	if stopErr != nil {
		return stopErr
	}

	if err := r.writeReports(fmt.Sprintf("Replay of %s", opts.FramesDir)); err != nil {
		return err
	}
	fmt.Fprintf(out, "published %d of %d frames\n", published, len(r.frames))
	printStatus(out, status, r)
	return nil
}
