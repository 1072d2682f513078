// Package l1frames owns Layer 1 (Frames) of the capture data model.
//
// Responsibilities: the immutable Frame snapshot handed over by a camera
// producer, access to its luma plane, buffer release, encoding of captured
// frames, and the single-slot Mailbox that keeps only the latest frame.
// Key types: Frame, PixelFormat, Plane, Mailbox.
//
// Dependency rule: L1 depends on nothing else in internal/capture.
package l1frames
