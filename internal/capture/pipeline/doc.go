// Package pipeline wires the capture layers into a running engine.
//
// A camera producer calls Publish from its own goroutine. Run owns a single
// analysis goroutine that takes the latest frame from the L1 mailbox,
// measures it (L2), folds the reading into the debouncer (L3), and steps
// the session machine (L5), which consults the qualification engine (L4).
// Timer ticks flush the debouncer and let the machine check its deadlines
// when frames stop arriving. Every frame is released before the loop takes
// the next one.
//
// Threshold updates, retries and submission results are all applied on the
// analysis goroutine, so no layer state is ever touched concurrently.
package pipeline
