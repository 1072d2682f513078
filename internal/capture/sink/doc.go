// Package sink is the file-backed implementation of l5session.Sink.
//
// Frames are written under <root>/pending/<session>/ as they are captured.
// A submitted session is moved whole to <root>/complete/<session>/ with a
// session.json manifest; a discarded session's pending directory is
// removed. An optional Ledger mirrors every frame into the capture ledger.
//
// Job submission is delegated to a Submitter. The network client lives
// outside this module; ManifestSubmitter records the job locally for
// replays and offline runs.
package sink
