package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smileidentity/captureflow/internal/capture/l1frames"
	"github.com/smileidentity/captureflow/internal/capture/l2metrics"
	"github.com/smileidentity/captureflow/internal/capture/l3signals"
	"github.com/smileidentity/captureflow/internal/capture/l5session"
	"github.com/smileidentity/captureflow/internal/config"
	"github.com/smileidentity/captureflow/internal/timeutil"
)

var (
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("pipeline already running")
	// ErrNotRunning is returned by operations that need the analysis loop.
	ErrNotRunning = errors.New("pipeline not running")
)

// Config holds the collaborators of a Pipeline.
type Config struct {
	Thresholds config.ThresholdConfig
	Detector   l2metrics.Detector
	Scorer     l2metrics.Scorer // optional
	Sink       l5session.Sink

	Clock timeutil.Clock // defaults to the wall clock
	NewID func() string  // session IDs, defaults to random UUIDs
	Rand  *rand.Rand     // active liveness shuffling

	// Callbacks run on the analysis goroutine and must not block.
	// OnReading fires after the machine has seen the reading.
	OnEvent   func(l5session.Event)
	OnReading func(l2metrics.QualityReading)
	OnStable  func(l3signals.StableQualityResult)
	// OnError receives per-frame errors: *l1frames.FrameFormatError and
	// *l2metrics.DetectionError. They never stop the pipeline.
	OnError func(error)
}

// Status is a point-in-time view of the pipeline for observers on other
// goroutines.
type Status struct {
	Session  l5session.SessionSnapshot      `json:"session"`
	Feedback string                         `json:"feedback,omitempty"`
	Stable   *l3signals.StableQualityResult `json:"stable,omitempty"`
	Mailbox  l1frames.MailboxStats          `json:"mailbox"`
	Analyzed uint64                         `json:"frames_analyzed"`
	Errors   uint64                         `json:"frame_errors"`
	Running  bool                           `json:"running"`
}

// Pipeline is one capture engine instance.
type Pipeline struct {
	cfg     Config
	clock   timeutil.Clock
	mailbox *l1frames.Mailbox

	// Owned by the analysis goroutine once Run has started.
	thresholds config.ThresholdConfig
	analyzer   *l2metrics.Analyzer
	debouncer  *l3signals.Debouncer
	machine    *l5session.Machine
	ticker     timeutil.Ticker
	lastFrame  time.Time // frame clock
	lastWall   time.Time // p.clock when lastFrame arrived

	runCtx context.Context
	stop   context.CancelFunc

	// startMu orders Run against a Cancel that arrives before it, so only
	// one of them ever drives the machine.
	startMu  sync.Mutex
	started  atomic.Bool
	shutdown bool // torn down before Run started
	done     chan struct{}

	retries      chan chan error
	swapReady    chan struct{}
	teardownOnce sync.Once
	teardownErr  error

	analyzed atomic.Uint64
	failed   atomic.Uint64

	mu      sync.RWMutex
	pending *config.ThresholdConfig
	applied config.ThresholdConfig
	status  Status
	settled chan struct{}
}

// New validates cfg and builds a pipeline ready to Run.
func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid thresholds: %w", err)
	}
	if cfg.Detector == nil {
		return nil, errors.New("pipeline needs a detector")
	}
	if cfg.Sink == nil {
		return nil, errors.New("pipeline needs a sink")
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}

	p := &Pipeline{
		cfg:        cfg,
		clock:      cfg.Clock,
		mailbox:    l1frames.NewMailbox(),
		thresholds: cfg.Thresholds,
		applied:    cfg.Thresholds,
		done:       make(chan struct{}),
		retries:    make(chan chan error),
		swapReady:  make(chan struct{}, 1),
		settled:    make(chan struct{}),
	}
	p.runCtx, p.stop = context.WithCancel(context.Background())
	p.analyzer = l2metrics.NewAnalyzer(cfg.Thresholds, cfg.Detector, cfg.Scorer)
	p.debouncer = l3signals.NewDebouncer(cfg.Thresholds)
	p.machine = l5session.NewMachine(cfg.Thresholds, cfg.Sink, l5session.Options{
		Clock:        cfg.Clock,
		NewID:        cfg.NewID,
		Rand:         cfg.Rand,
		OnTransition: p.onTransition,
	})
	p.publishStatus()
	return p, nil
}

// Publish hands a frame to the pipeline without blocking. An unconsumed
// earlier frame is released and dropped. After Cancel the frame is
// released and ErrMailboxClosed returned.
func (p *Pipeline) Publish(f *l1frames.Frame) error {
	return p.mailbox.Publish(f)
}

// Run processes frames until ctx is done or Cancel is called. On exit the
// mailbox is closed and an unfinished session is cancelled, discarding its
// pending frames.
func (p *Pipeline) Run(ctx context.Context) error {
	p.startMu.Lock()
	if p.shutdown {
		p.startMu.Unlock()
		return nil
	}
	if !p.started.CompareAndSwap(false, true) {
		p.startMu.Unlock()
		return ErrAlreadyRunning
	}
	p.startMu.Unlock()
	defer close(p.done)
	stopAfter := context.AfterFunc(ctx, p.stop)
	defer stopAfter()

	p.applyPendingThresholds()
	p.ticker = p.clock.NewTicker(p.thresholds.TickInterval)
	defer p.ticker.Stop()

	p.setRunning(true)
	opsf("capture pipeline started (subject=%s, liveness frames=%d)", p.thresholds.Subject, p.machine.LivenessTarget())
	defer func() {
		p.teardown()
		p.setRunning(false)
		st := p.mailbox.Stats()
		opsf("capture pipeline stopped in %s: analyzed=%d dropped=%d errors=%d",
			p.machine.State(), p.analyzed.Load(), st.Dropped, p.failed.Load())
	}()

	ctxRun := p.runCtx
	for {
		select {
		case <-ctxRun.Done():
			return ctx.Err()
		case <-p.mailbox.Ready():
			f, err := p.mailbox.TryNext()
			if errors.Is(err, l1frames.ErrMailboxClosed) {
				return nil
			}
			if f != nil {
				p.processFrame(ctxRun, f)
			}
		case now := <-p.ticker.C():
			p.tick(ctxRun, now)
		case res := <-p.machine.SubmitDone():
			p.machine.ApplySubmission(ctxRun, res)
			p.publishStatus()
		case <-p.swapReady:
			p.applyPendingThresholds()
		case reply := <-p.retries:
			reply <- p.retry(ctxRun)
		}
	}
}

func (p *Pipeline) processFrame(ctx context.Context, f *l1frames.Frame) {
	defer f.Release()

	reading, err := p.analyzer.Analyze(ctx, f)
	p.analyzed.Add(1)
	if err != nil {
		p.failed.Add(1)
		if ctx.Err() != nil {
			return
		}
		tracef("frame %s: %v", f.Timestamp().Format("15:04:05.000"), err)
		if p.cfg.OnError != nil {
			p.cfg.OnError(err)
		}
	}
	p.lastFrame = f.Timestamp()
	p.lastWall = p.clock.Now()
	if p.debouncer.Update(reading) && p.cfg.OnStable != nil {
		stable, _ := p.debouncer.Current()
		p.cfg.OnStable(stable)
	}

	stable, ok := p.debouncer.Current()
	p.machine.Step(ctx, l5session.Observation{
		At:        f.Timestamp(),
		Stable:    stable,
		HasStable: ok,
		Frame: &l5session.FrameObservation{
			Rotation:   f.Rotation(),
			TrackingID: reading.TrackingID,
			Pose:       reading.Pose,
			Encode: func(role l5session.Role) ([]byte, error) {
				return f.Encode(p.imageSize(role))
			},
		},
	})
	p.publishStatus()
	if p.cfg.OnReading != nil {
		p.cfg.OnReading(reading)
	}
}

// tick advances the frame clock by the wall time elapsed since the last
// frame, so deadlines keep running when frames stop arriving.
func (p *Pipeline) tick(ctx context.Context, now time.Time) {
	if p.lastFrame.IsZero() {
		return
	}
	at := p.lastFrame.Add(now.Sub(p.lastWall))
	if p.debouncer.Tick(at) && p.cfg.OnStable != nil {
		stable, _ := p.debouncer.Current()
		p.cfg.OnStable(stable)
	}
	stable, ok := p.debouncer.Current()
	p.machine.Step(ctx, l5session.Observation{At: at, Stable: stable, HasStable: ok})
	p.publishStatus()
}

func (p *Pipeline) imageSize(role l5session.Role) int {
	if role == l5session.RoleFinal {
		return p.thresholds.FinalImageSize
	}
	return p.thresholds.LivenessImageSize
}

// Cancel stops the pipeline: no further frames are accepted, held and
// in-flight frames are released, in-flight detection and submission are
// cancelled, and the session's pending frames are discarded, including
// frames a failed session kept for Retry. It returns
// once the analysis goroutine has exited.
func (p *Pipeline) Cancel() error {
	p.mailbox.Close()
	p.stop()
	p.startMu.Lock()
	if !p.started.Load() {
		p.shutdown = true
		p.startMu.Unlock()
		p.teardown()
		return p.teardownErr
	}
	p.startMu.Unlock()
	<-p.done
	return p.teardownErr
}

func (p *Pipeline) teardown() {
	p.teardownOnce.Do(func() {
		p.mailbox.Close()
		p.teardownErr = p.machine.Close(context.Background())
		p.publishStatus()
	})
}

// Retry starts a new session after a retryable failure. It runs on the
// analysis goroutine and returns l5session.ErrRetryNotAllowed when the
// current state does not permit it.
func (p *Pipeline) Retry(ctx context.Context) error {
	if !p.started.Load() {
		return ErrNotRunning
	}
	reply := make(chan error, 1)
	select {
	case p.retries <- reply:
	case <-p.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) retry(ctx context.Context) error {
	if err := p.machine.Retry(ctx); err != nil {
		if errors.Is(err, l5session.ErrRetryNotAllowed) {
			return err
		}
		// The new session started; only the old discard failed.
		opsf("retry: %v", err)
	}
	p.debouncer.Reset()
	p.lastFrame = time.Time{}
	p.mu.Lock()
	p.settled = make(chan struct{})
	p.mu.Unlock()
	p.publishStatus()
	return nil
}

// UpdateThresholds validates t and schedules it for the analysis
// goroutine, which applies it between frames. Later calls supersede
// earlier ones that have not been applied yet. Before Run, the update is
// applied when Run starts.
func (p *Pipeline) UpdateThresholds(t config.ThresholdConfig) error {
	if err := t.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	p.pending = &t
	p.mu.Unlock()
	select {
	case p.swapReady <- struct{}{}:
	default:
	}
	return nil
}

func (p *Pipeline) applyPendingThresholds() {
	p.mu.Lock()
	t := p.pending
	p.pending = nil
	p.mu.Unlock()
	if t == nil {
		return
	}

	old := p.thresholds
	p.thresholds = *t
	p.analyzer = l2metrics.NewAnalyzer(*t, p.cfg.Detector, p.cfg.Scorer)

	// Carry the window over so a threshold tweak does not restart
	// aggregation from nothing.
	history := p.debouncer.Window().All()
	p.debouncer = l3signals.NewDebouncer(*t)
	for _, r := range history {
		p.debouncer.Update(r)
	}
	p.machine.SetThresholds(*t)
	if p.ticker != nil && t.TickInterval != old.TickInterval {
		p.ticker.Reset(t.TickInterval)
	}

	p.mu.Lock()
	p.applied = *t
	p.mu.Unlock()
	diagf("thresholds updated: fill=[%.2f,%.2f] stability=%s liveness=%d", t.MinFaceFill, t.MaxFaceFill, t.StabilityDuration, t.NumLivenessFrames)
}

// Thresholds returns the configuration currently in effect.
func (p *Pipeline) Thresholds() config.ThresholdConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.applied
}

// Snapshot returns the latest status.
func (p *Pipeline) Snapshot() Status {
	p.mu.RLock()
	st := p.status
	p.mu.RUnlock()
	st.Mailbox = p.mailbox.Stats()
	st.Analyzed = p.analyzed.Load()
	st.Errors = p.failed.Load()
	return st
}

// Wait blocks until the current session reaches Success or Error, or ctx
// is done.
func (p *Pipeline) Wait(ctx context.Context) (l5session.State, error) {
	p.mu.RLock()
	settled := p.settled
	p.mu.RUnlock()
	select {
	case <-settled:
		return p.Snapshot().Session.State, nil
	case <-ctx.Done():
		return p.Snapshot().Session.State, ctx.Err()
	}
}

func (p *Pipeline) onTransition(ev l5session.Event) {
	if ev.To.Terminal() {
		diagf("session %s settled in %s", ev.SessionID, ev.To)
	}
	if p.cfg.OnEvent != nil {
		p.cfg.OnEvent(ev)
	}
}

// publishStatus copies machine state for other goroutines. It must only be
// called from the goroutine that owns the machine.
func (p *Pipeline) publishStatus() {
	snap := p.machine.Snapshot()
	st := Status{
		Session:  snap,
		Feedback: snap.Reason.Feedback(),
	}
	if stable, ok := p.debouncer.Current(); ok {
		st.Stable = &stable
	}

	p.mu.Lock()
	st.Running = p.status.Running
	p.status = st
	if snap.State.Terminal() {
		select {
		case <-p.settled:
		default:
			close(p.settled)
		}
	}
	p.mu.Unlock()
}

func (p *Pipeline) setRunning(v bool) {
	p.mu.Lock()
	p.status.Running = v
	p.mu.Unlock()
}
