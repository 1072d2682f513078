package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/smileidentity/captureflow/internal/capture/monitor"
	"github.com/smileidentity/captureflow/internal/monitoring"
)

var (
	serveOpts  replayOptions
	listenAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Loop frames through the pipeline and serve the tuning API",
	Long: `Serve plays the frames on a loop and exposes the capture API:

  GET/PUT /api/capture/thresholds   read or hot-swap tuning
  GET     /api/capture/state        session state and feedback
  POST    /api/capture/retry        retry after a retryable failure
  POST    /api/capture/cancel       stop the pipeline
  GET     /api/capture/timeline     HTML charts of the run
  GET     /api/capture/signals.png  signal plot

The SQLite ledger can be queried under /debug/tailsql/ from localhost.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runServe(cmd.Context(), serveOpts, listenAddr)
	},
}

func init() {
	addReplayFlags(serveCmd, &serveOpts)
	serveCmd.Flags().BoolVar(&serveOpts.Loop, "loop", true, "Restart from the first frame after the last one")
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", ":8090", "HTTP listen address")
	rootCmd.AddCommand(serveCmd)
}

// newServeMux mounts the capture API and the ledger admin routes.
func newServeMux(r *runner) (*http.ServeMux, error) {
	mux := http.NewServeMux()
	api := monitor.NewServer(r.pipe, r.recorder)
	mux.Handle("/api/", api)
	mux.Handle("/health", api)
	if err := r.db.AttachAdminRoutes(mux); err != nil {
		return nil, fmt.Errorf("attach admin routes: %w", err)
	}
	return mux, nil
}

func runServe(ctx context.Context, opts replayOptions, listen string) error {
	r, err := newRunner(opts)
	if err != nil {
		return err
	}
	mux, err := newServeMux(r)
	if err != nil {
		_, _ = r.stop()
		return err
	}
	r.start(ctx)

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		monitoring.Logf("serving capture API on %s", listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	feedDone := make(chan error, 1)
	go func() {
		_, err := r.feed(ctx, false)
		feedDone <- err
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-srvErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("http shutdown: %v", err)
	}
	if _, err := r.stop(); err != nil && runErr == nil {
		runErr = err
	}
	<-feedDone
	return runErr
}
