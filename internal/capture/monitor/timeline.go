package monitor

import (
	"fmt"
	"io"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/smileidentity/captureflow/internal/capture/l5session"
)

// phaseOrder is the y axis of the state chart, bottom to top.
var phaseOrder = []string{
	string(l5session.PhaseError),
	string(l5session.PhaseSearching),
	string(l5session.PhaseAnalyzing),
	string(l5session.PhaseCapturingLiveness),
	string(l5session.PhaseCapturingFinal),
	string(l5session.PhaseSubmitting),
	string(l5session.PhaseSuccess),
}

// RenderTimeline writes an HTML page with three charts: lighting and
// sharpness, framing and pose, and the session state over time. The x
// axis is seconds since the first sample or event.
func RenderTimeline(w io.Writer, title string, samples []Sample, events []l5session.Event) error {
	start := timelineStart(samples, events)
	offset := func(t time.Time) string {
		return fmt.Sprintf("%.2f", t.Sub(start).Seconds())
	}

	xs := make([]string, len(samples))
	lum := make([]opts.LineData, len(samples))
	variance := make([]opts.LineData, len(samples))
	fill := make([]opts.LineData, len(samples))
	yaw := make([]opts.LineData, len(samples))
	pitch := make([]opts.LineData, len(samples))
	roll := make([]opts.LineData, len(samples))
	for i, s := range samples {
		xs[i] = offset(s.At)
		lum[i] = opts.LineData{Value: s.Luminance}
		if s.Measured {
			variance[i] = opts.LineData{Value: s.Variance}
		} else {
			variance[i] = opts.LineData{Value: "-"}
		}
		fill[i] = opts.LineData{Value: s.FaceFill * 100}
		yaw[i] = opts.LineData{Value: s.Yaw}
		pitch[i] = opts.LineData{Value: s.Pitch}
		roll[i] = opts.LineData{Value: s.Roll}
	}

	light := newTimelineChart(title, "Lighting and sharpness", "luminance / variance")
	light.SetXAxis(xs).
		AddSeries("luminance", lum).
		AddSeries("variance", variance)

	framing := newTimelineChart(title, "Framing", "fill % / degrees")
	framing.SetXAxis(xs).
		AddSeries("face fill %", fill).
		AddSeries("yaw", yaw).
		AddSeries("pitch", pitch).
		AddSeries("roll", roll)

	ex := make([]string, 0, len(events)+1)
	states := make([]opts.LineData, 0, len(events)+1)
	if len(events) > 0 {
		ex = append(ex, offset(events[0].At))
		states = append(states, opts.LineData{Value: string(events[0].From.Phase), Name: events[0].From.String()})
	}
	for _, ev := range events {
		ex = append(ex, offset(ev.At))
		states = append(states, opts.LineData{Value: string(ev.To.Phase), Name: ev.To.String()})
	}
	state := newTimelineChart(title, "Session state", "")
	state.SetGlobalOptions(
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Data: phaseOrder}),
	)
	state.SetXAxis(ex).AddSeries("state", states,
		charts.WithLineChartOpts(opts.LineChart{Step: "end"}),
	)

	page := components.NewPage()
	page.PageTitle = title
	page.AddCharts(light, framing, state)
	return page.Render(w)
}

func newTimelineChart(title, subtitle, yName string) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "1100px", Height: "360px"}),
		charts.WithTitleOpts(opts.Title{Title: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "5%"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "s", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: yName}),
	)
	return line
}

func timelineStart(samples []Sample, events []l5session.Event) time.Time {
	var start time.Time
	if len(samples) > 0 {
		start = samples[0].At
	}
	if len(events) > 0 && (start.IsZero() || events[0].At.Before(start)) {
		start = events[0].At
	}
	return start
}
