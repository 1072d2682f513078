// Package l3signals owns Layer 3 (Signals) of the capture data model.
//
// Responsibilities: the bounded ReadingWindow of recent QualityReadings and
// the Debouncer that aggregates them into a StableQualityResult using
// majority votes, window averages and hysteresis so single noisy frames do
// not make the engine flicker.
// Key types: ReadingWindow, Debouncer, StableQualityResult.
//
// Dependency rule: L3 may depend on L1-L2, but never on L4+.
// All methods must be called from the single analysis goroutine.
package l3signals
