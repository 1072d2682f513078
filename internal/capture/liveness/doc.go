// Package liveness implements the active liveness challenge: a shuffled
// sequence of head turns the user must perform while liveness frames are
// captured. Each direction is reached in two steps, first the far end and
// then a midpoint on the way back, so frames are spread across the turn.
//
// The task is not safe for concurrent use; the session machine owns it.
package liveness
