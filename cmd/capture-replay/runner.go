package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/smileidentity/captureflow/internal/capture/l1frames"
	"github.com/smileidentity/captureflow/internal/capture/l5session"
	"github.com/smileidentity/captureflow/internal/capture/monitor"
	"github.com/smileidentity/captureflow/internal/capture/pipeline"
	"github.com/smileidentity/captureflow/internal/capture/sink"
	"github.com/smileidentity/captureflow/internal/capture/storage/sqlite"
	"github.com/smileidentity/captureflow/internal/config"
	"github.com/smileidentity/captureflow/internal/fsutil"
	"github.com/smileidentity/captureflow/internal/monitoring"
	"github.com/smileidentity/captureflow/internal/security"
	"github.com/smileidentity/captureflow/internal/timeutil"
)

const (
	ledgerFileName = "ledger.db"
	eventQueueSize = 256
)

// replayOptions are shared by the replay and serve commands.
type replayOptions struct {
	FramesDir    string
	OutDir       string
	DBPath       string // defaults to <OutDir>/ledger.db
	TuningPath   string
	FPS          float64
	MaxDim       int
	FaceFill     float64
	Settle       time.Duration
	TimelinePath string
	PlotPath     string
	Signals      string
	Loop         bool
	Progress     bool
}

func addReplayFlags(cmd *cobra.Command, o *replayOptions) {
	f := cmd.Flags()
	f.StringVarP(&o.FramesDir, "frames", "f", "", "Directory of recorded frames (jpg, png or webp, played in name order)")
	f.StringVarP(&o.OutDir, "out", "o", "capture-out", "Directory for pending and complete session files")
	f.StringVar(&o.DBPath, "db", "", "Path to the SQLite ledger (default <out>/ledger.db)")
	f.StringVarP(&o.TuningPath, "config", "c", "", "Tuning config JSON overriding the default thresholds")
	f.Float64Var(&o.FPS, "fps", 10, "Frames per second to publish")
	f.IntVar(&o.MaxDim, "max-dim", 1280, "Scale frames so neither side exceeds this many pixels (0 keeps the original size)")
	f.Float64Var(&o.FaceFill, "face-fill", 0.2, "Fill ratio of the synthetic subject used for frames without recorded detections")
	f.DurationVar(&o.Settle, "settle", 5*time.Second, "How long to wait for the session to finish after the last frame")
	f.StringVar(&o.TimelinePath, "timeline", "", "Write an HTML timeline of the run to this path")
	f.StringVar(&o.PlotPath, "plot", "", "Write a signal plot of the run to this path (png, svg or pdf)")
	f.StringVar(&o.Signals, "signals", "", "Comma-separated signals for --plot (default luminance,variance)")
	_ = cmd.MarkFlagRequired("frames")
}

func (o replayOptions) validate() error {
	if o.FramesDir == "" {
		return errors.New("frames directory is required")
	}
	if o.OutDir == "" {
		return errors.New("output directory is required")
	}
	if o.FPS <= 0 {
		return fmt.Errorf("fps must be positive, got %g", o.FPS)
	}
	if o.FaceFill <= 0 || o.FaceFill > 1 {
		return fmt.Errorf("face-fill must be in (0, 1], got %g", o.FaceFill)
	}
	for _, p := range []string{o.TimelinePath, o.PlotPath} {
		if p == "" {
			continue
		}
		if err := security.ValidateOutputPath(p); err != nil {
			return err
		}
	}
	return nil
}

func (o replayOptions) signals() ([]monitor.Signal, error) {
	if o.Signals == "" {
		return nil, nil
	}
	var out []monitor.Signal
	for _, name := range strings.Split(o.Signals, ",") {
		sig, err := monitor.ParseSignal(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, nil
}

// runner owns one pipeline and everything wired to it.
type runner struct {
	opts     replayOptions
	fs       fsutil.FileSystem
	clock    timeutil.Clock
	frames   []frameFile
	recorded map[string]frameDetections
	detector *replayDetector

	db       *sqlite.DB
	dbPath   string
	ledger   *sqlite.Ledger
	sink     *sink.FileSink
	recorder *monitor.Recorder
	pipe     *pipeline.Pipeline

	events     chan l5session.Event
	eventsDone chan struct{}
	errc       chan error
}

func newRunner(opts replayOptions) (*runner, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	tuning := config.EmptyTuningConfig()
	if opts.TuningPath != "" {
		var err error
		if tuning, err = config.LoadTuningConfig(opts.TuningPath); err != nil {
			return nil, err
		}
	}
	thresholds := tuning.Thresholds()

	r := &runner{
		opts:       opts,
		fs:         fsutil.OSFileSystem{},
		clock:      timeutil.RealClock{},
		detector:   newReplayDetector(opts.FaceFill),
		recorder:   monitor.NewRecorder(monitor.DefaultCapacity),
		events:     make(chan l5session.Event, eventQueueSize),
		eventsDone: make(chan struct{}),
	}

	var err error
	if r.frames, err = listFrames(r.fs, opts.FramesDir); err != nil {
		return nil, err
	}
	if r.recorded, err = loadDetections(r.fs, opts.FramesDir); err != nil {
		return nil, err
	}
	if err := r.fs.MkdirAll(opts.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	r.dbPath = opts.DBPath
	if r.dbPath == "" {
		r.dbPath = filepath.Join(opts.OutDir, ledgerFileName)
	}
	if r.db, err = sqlite.OpenAndMigrate(r.dbPath); err != nil {
		return nil, err
	}
	r.ledger = sqlite.NewLedger(r.db)

	minLiveness := thresholds.NumLivenessFrames
	if thresholds.Subject == config.SubjectDocument {
		minLiveness = 0
	}
	r.sink, err = sink.NewFileSink(sink.Options{
		Root:      opts.OutDir,
		FS:        r.fs,
		Submitter: sink.ManifestSubmitter{FS: r.fs, MinLivenessFrames: minLiveness},
		Ledger:    r.ledger,
		Clock:     r.clock,
	})
	if err != nil {
		r.db.Close()
		return nil, err
	}

	cfg := pipeline.Config{
		Thresholds: thresholds,
		Detector:   r.detector,
		Sink:       r.sink,
		Clock:      r.clock,
		OnEvent:    r.queueEvent,
		OnError: func(err error) {
			monitoring.Logf("frame error: %v", err)
		},
	}
	r.recorder.Attach(&cfg)
	if r.pipe, err = pipeline.New(cfg); err != nil {
		r.db.Close()
		return nil, err
	}
	go r.writeEvents()
	return r, nil
}

// queueEvent hands a transition to the ledger writer without blocking the
// analysis goroutine.
func (r *runner) queueEvent(ev l5session.Event) {
	select {
	case r.events <- ev:
	default:
		monitoring.Logf("ledger queue full, dropping %s -> %s", ev.From, ev.To)
	}
}

func (r *runner) writeEvents() {
	defer close(r.eventsDone)
	for ev := range r.events {
		if err := r.ledger.RecordEvent(context.Background(), ev); err != nil {
			monitoring.Logf("ledger: %v", err)
		}
	}
}

// start runs the pipeline on its own goroutine.
func (r *runner) start(ctx context.Context) {
	r.errc = make(chan error, 1)
	go func() {
		r.errc <- r.pipe.Run(ctx)
	}()
}

// feed publishes the frames at opts.FPS, waiting for each one to be
// analyzed before the next. With stopWhenSettled it returns as soon as the
// session succeeds or fails. It also returns when the pipeline stops
// accepting frames.
func (r *runner) feed(ctx context.Context, stopWhenSettled bool) (int, error) {
	ticker := r.clock.NewTicker(time.Duration(float64(time.Second) / r.opts.FPS))
	defer ticker.Stop()

	out := io.Discard
	if r.opts.Progress {
		out = os.Stderr
	}
	bar := progressbar.NewOptions(len(r.frames),
		progressbar.OptionSetDescription("Replaying"),
		progressbar.OptionSetWriter(out),
		progressbar.OptionShowCount(),
	)
	defer bar.Finish()

	published := 0
	for {
		for _, ff := range r.frames {
			if stopWhenSettled && r.settled() {
				return published, nil
			}
			select {
			case <-ctx.Done():
				return published, ctx.Err()
			case <-ticker.C():
			}
			err := r.publish(ctx, ff)
			if errors.Is(err, l1frames.ErrMailboxClosed) {
				return published, nil
			}
			if err != nil {
				return published, err
			}
			published++
			_ = bar.Add(1)
		}
		if !r.opts.Loop {
			return published, nil
		}
		bar.Reset()
	}
}

// publish decodes one frame, hands it to the pipeline and waits until the
// pipeline releases it. Undecodable files are logged and skipped.
func (r *runner) publish(ctx context.Context, ff frameFile) error {
	data, err := r.fs.ReadFile(ff.Path)
	if err != nil {
		return fmt.Errorf("read %s: %w", ff.Name, err)
	}
	ts := r.clock.Now()
	released := make(chan struct{})
	frame, err := decodeFrame(data, r.opts.MaxDim, ts, func() { close(released) })
	if err != nil {
		monitoring.Logf("skipping %s: %v", ff.Name, err)
		return nil
	}
	if det, ok := r.recorded[ff.Name]; ok {
		r.detector.expect(ts, &det)
	}
	if err := r.pipe.Publish(frame); err != nil {
		r.detector.expect(ts, nil)
		return err
	}
	select {
	case <-released:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *runner) settled() bool {
	switch r.pipe.Snapshot().Session.State.Phase {
	case l5session.PhaseSuccess, l5session.PhaseError:
		return true
	}
	return false
}

// settle waits up to opts.Settle for the session to finish.
func (r *runner) settle(ctx context.Context) l5session.State {
	wctx, cancel := context.WithTimeout(ctx, r.opts.Settle)
	defer cancel()
	st, _ := r.pipe.Wait(wctx)
	return st
}

// stop cancels the pipeline, drains the ledger writer and closes the
// database. The returned snapshot is taken before cancelling, so an
// unfinished session reports where it got to.
func (r *runner) stop() (pipeline.Status, error) {
	status := r.pipe.Snapshot()
	cancelErr := r.pipe.Cancel()
	var runErr error
	if r.errc != nil {
		runErr = <-r.errc
	}
	close(r.events)
	<-r.eventsDone
	closeErr := r.db.Close()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return status, runErr
	}
	if cancelErr != nil {
		return status, fmt.Errorf("cancel: %w", cancelErr)
	}
	return status, closeErr
}

// writeReports renders the timeline and plot if they were requested.
func (r *runner) writeReports(title string) error {
	if path := r.opts.TimelinePath; path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create timeline: %w", err)
		}
		err = monitor.RenderTimeline(f, title, r.recorder.Samples(), r.recorder.Events())
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("render timeline: %w", err)
		}
	}
	if path := r.opts.PlotPath; path != "" {
		signals, err := r.opts.signals()
		if err != nil {
			return err
		}
		if err := monitor.SaveSignalPlot(path, title, r.recorder.Samples(), signals...); err != nil {
			return err
		}
	}
	return nil
}

func printStatus(w io.Writer, st pipeline.Status, r *runner) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()
	sess := st.Session
	fmt.Fprintf(tw, "session\t%s\n", sess.ID)
	fmt.Fprintf(tw, "state\t%s\n", sess.State)
	if sess.Reason != "" {
		fmt.Fprintf(tw, "reason\t%s\n", sess.Reason)
	}
	fmt.Fprintf(tw, "liveness frames\t%d\n", len(sess.LivenessFrames))
	if sess.Response != nil {
		fmt.Fprintf(tw, "job\t%s (%s)\n", sess.Response.JobID, sess.Response.ResultCode)
	}
	fmt.Fprintf(tw, "frames analyzed\t%d (%d errors)\n", st.Analyzed, st.Errors)
	fmt.Fprintf(tw, "output\t%s\n", r.sink.Root())
	fmt.Fprintf(tw, "ledger\t%s\n", r.dbPath)
}
