// Package sqlite is the capture ledger: one row per session, one row per
// persisted frame and one row per state transition.
//
// The ledger is an audit trail. Nothing in the capture decision reads
// from it; the sink and the pipeline write to it and operators query it
// through the tailsql admin routes.
//
// Dependency rule: may import l5session for its value types. Nothing in
// internal/capture/l1..l5 may import this package.
package sqlite
