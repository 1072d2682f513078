// Package l2metrics owns Layer 2 (Metrics) of the capture data model.
//
// Responsibilities: pure per-frame measurements (luminance, Laplacian
// variance, glare ratio, tilt, face geometry) and the Analyzer that chains
// them with the external face/object detector and quality scorer to produce
// one QualityReading per frame.
// Key types: QualityReading, Pose, Face, Detector, Scorer, Analyzer.
//
// Dependency rule: L2 may depend on L1, but never on L3+.
package l2metrics
