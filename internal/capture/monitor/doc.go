// Package monitor is the operator surface of the capture engine: a bounded
// Recorder of readings and transitions, HTML timelines (go-echarts), PNG
// signal plots (gonum/plot) and the tuning REST API.
//
// Nothing here feeds back into the capture decision except
// PUT /api/capture/thresholds, which goes through the pipeline's
// validated hot-swap.
package monitor
