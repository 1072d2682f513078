// Package capture is the root of the frame-quality and liveness capture
// engine. The layers live in sub-packages (l1frames through l5session) and
// are wired together by pipeline; this package only configures logging for
// all of them at once.
package capture

import (
	"io"

	"github.com/smileidentity/captureflow/internal/capture/l1frames"
	"github.com/smileidentity/captureflow/internal/capture/l2metrics"
	"github.com/smileidentity/captureflow/internal/capture/l3signals"
	"github.com/smileidentity/captureflow/internal/capture/l5session"
	"github.com/smileidentity/captureflow/internal/capture/monitor"
	"github.com/smileidentity/captureflow/internal/capture/pipeline"
	"github.com/smileidentity/captureflow/internal/capture/sink"
)

// LogWriters holds the io.Writers for each logging stream.
type LogWriters struct {
	Ops   io.Writer
	Diag  io.Writer
	Trace io.Writer
}

// SetLogWriters configures all three logging streams in every capture
// layer. Pass nil for any writer to disable that stream.
func SetLogWriters(w LogWriters) {
	l1frames.SetLogWriters(w.Ops, w.Diag, w.Trace)
	l2metrics.SetLogWriters(w.Ops, w.Diag, w.Trace)
	l3signals.SetLogWriters(w.Ops, w.Diag, w.Trace)
	l5session.SetLogWriters(w.Ops, w.Diag, w.Trace)
	pipeline.SetLogWriters(w.Ops, w.Diag, w.Trace)
	sink.SetLogWriters(w.Ops, w.Diag, w.Trace)
	monitor.SetLogWriters(w.Ops, w.Diag, w.Trace)
}

// SetLegacyLogger routes all three streams to a single writer.
// Pass nil to disable all logging.
func SetLegacyLogger(w io.Writer) {
	SetLogWriters(LogWriters{Ops: w, Diag: w, Trace: w})
}
