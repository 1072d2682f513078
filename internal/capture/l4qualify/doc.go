// Package l4qualify owns Layer 4 (Qualification) of the capture data model.
//
// Responsibilities: deciding whether a StableQualityResult is good enough
// for an automatic capture under a ThresholdConfig and, when it is not,
// naming the first failing condition in a fixed priority order so the user
// gets one specific instruction at a time.
// Key types: Reason, Verdict.
//
// Dependency rule: L4 may depend on L1-L3, but never on L5+. Everything in
// this package is a pure function.
package l4qualify
