package monitor

import (
	"errors"
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Signal selects one Sample field for plotting.
type Signal string

const (
	SignalLuminance Signal = "luminance"
	SignalVariance  Signal = "variance"
	SignalFaceFill  Signal = "face_fill"
	SignalGlare     Signal = "glare_ratio"
	SignalYaw       Signal = "yaw"
	SignalPitch     Signal = "pitch"
	SignalRoll      Signal = "roll"
	SignalQuality   Signal = "quality_score"
)

// DefaultSignals are plotted when none are requested.
var DefaultSignals = []Signal{SignalLuminance, SignalVariance}

var signalColors = []color.Color{
	color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff},
	color.RGBA{R: 0xff, G: 0x7f, B: 0x0e, A: 0xff},
	color.RGBA{R: 0x2c, G: 0xa0, B: 0x2c, A: 0xff},
	color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 0xff},
	color.RGBA{R: 0x94, G: 0x67, B: 0xbd, A: 0xff},
}

// ErrNoSamples is returned when there is nothing to plot.
var ErrNoSamples = errors.New("no samples to plot")

// ParseSignal validates a signal name.
func ParseSignal(s string) (Signal, error) {
	switch sig := Signal(s); sig {
	case SignalLuminance, SignalVariance, SignalFaceFill, SignalGlare,
		SignalYaw, SignalPitch, SignalRoll, SignalQuality:
		return sig, nil
	}
	return "", fmt.Errorf("unknown signal %q", s)
}

func (s Signal) value(sm Sample) (float64, bool) {
	switch s {
	case SignalLuminance:
		return sm.Luminance, true
	case SignalVariance:
		return sm.Variance, sm.Measured
	case SignalFaceFill:
		return sm.FaceFill, sm.HasFace
	case SignalGlare:
		return sm.GlareRatio, sm.Measured
	case SignalYaw:
		return sm.Yaw, sm.HasFace
	case SignalPitch:
		return sm.Pitch, sm.HasFace
	case SignalRoll:
		return sm.Roll, sm.HasFace
	case SignalQuality:
		return sm.QualityScore, true
	}
	return 0, false
}

// SignalPlot builds a line plot of the given signals against seconds
// since the first sample. Samples where a signal was not measured are
// skipped for that signal.
func SignalPlot(title string, samples []Sample, signals ...Signal) (*plot.Plot, error) {
	if len(samples) == 0 {
		return nil, ErrNoSamples
	}
	if len(signals) == 0 {
		signals = DefaultSignals
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Value"
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	start := samples[0].At
	for i, sig := range signals {
		pts := make(plotter.XYs, 0, len(samples))
		for _, s := range samples {
			if v, ok := sig.value(s); ok {
				pts = append(pts, plotter.XY{X: s.At.Sub(start).Seconds(), Y: v})
			}
		}
		if len(pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", sig, err)
		}
		line.Color = signalColors[i%len(signalColors)]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(string(sig), line)
	}
	return p, nil
}

// SaveSignalPlot writes a signal plot to path. The format follows the
// file extension (png, svg, pdf).
func SaveSignalPlot(path, title string, samples []Sample, signals ...Signal) error {
	p, err := SignalPlot(title, samples, signals...)
	if err != nil {
		return err
	}
	if err := p.Save(14*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

// WriteSignalPNG writes a signal plot as PNG to w.
func WriteSignalPNG(w io.Writer, title string, samples []Sample, signals ...Signal) error {
	p, err := SignalPlot(title, samples, signals...)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(14*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}
