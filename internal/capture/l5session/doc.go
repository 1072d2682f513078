// Package l5session owns Layer 5 (Session) of the capture data model.
//
// Responsibilities: the capture state machine that turns a stream of
// qualification verdicts into a sequence of persisted liveness frames, a
// final frame and a job submission; the CaptureSession bookkeeping that
// goes with it; and the Sink contract through which frames and jobs leave
// the engine.
// Key types: Machine, State, CaptureSession, Sink, JobResponse.
//
// The Machine is driven from a single goroutine. Only the submission runs
// concurrently, and its result comes back through SubmitDone so that it is
// applied on the driving goroutine as well.
//
// Dependency rule: L5 may depend on L2-L4 and on the liveness task. It must
// not import the pipeline or any concrete sink.
package l5session
