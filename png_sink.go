package csvscope

import (
	"errors"
	"fmt"
	"io"

	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

var ErrFrameTooSmall = errors.New("frame needs at least 2 points to be drawn")

const (
	defaultChartWidth  = 1024
	defaultChartHeight = 400
)

var (
	seriesColor = drawing.ColorFromHex("fbbf24")
	bandColor   = drawing.ColorFromHex("fef3c7")
)

// Pads a degenerate [lo, hi] range so the chart library can draw it.
func chartRange(lo, hi float64) *chart.ContinuousRange {
	if lo == hi {
		pad := 1.0
		if lo != 0 {
			pad = 0.5 * lo
			if pad < 0 {
				pad = -pad
			}
		}
		lo, hi = lo-pad, hi+pad
	}

	return &chart.ContinuousRange{Min: lo, Max: hi}
}

// Draws the window values and the margin of error band as a PNG. The y axis
// always includes zero.
func RenderFramePNG(w io.Writer, update FrameUpdate, opts ChartOptions) error {
	frame := update.Frame
	if len(frame.Xs) < 2 {
		return ErrFrameTooSmall
	}

	width := opts.Width
	if width <= 0 {
		width = defaultChartWidth
	}

	height := opts.Height
	if height <= 0 {
		height = defaultChartHeight
	}

	xMin, xMax := Extent(frame.Xs)
	yMin, yMax := Extent(frame.Ys, frame.MoeUpper, frame.MoeLower)
	yMin, yMax = Min(yMin, 0), Max(yMax, 0)

	title := opts.Title
	if title != "" {
		title += " "
	}
	title += fmt.Sprintf("(step %d, min %.4g, max %.4g, avg %.4g, var %.4g)", update.Step, frame.Min, frame.Max, frame.Avg, frame.Variance)

	graph := chart.Chart{
		Title:  title,
		Width:  width,
		Height: height,
		Background: chart.Style{
			Padding: chart.Box{Top: 40, Left: 16, Right: 12, Bottom: 16},
		},
		XAxis: chart.XAxis{
			Name:  opts.XLabel,
			Range: chartRange(xMin, xMax),
		},
		YAxis: chart.YAxis{
			Name:  opts.YLabel,
			Range: chartRange(yMin, yMax),
		},
		Series: []chart.Series{
			chart.ContinuousSeries{
				Name:    "MOE Upper Bounds",
				XValues: frame.Xs,
				YValues: frame.MoeUpper,
				Style:   chart.Style{StrokeColor: bandColor, StrokeWidth: 1},
			},
			chart.ContinuousSeries{
				Name:    "MOE Lower Bounds",
				XValues: frame.Xs,
				YValues: frame.MoeLower,
				Style:   chart.Style{StrokeColor: bandColor, StrokeWidth: 1},
			},
			chart.ContinuousSeries{
				Name:    "Original Series",
				XValues: frame.Xs,
				YValues: frame.Ys,
				Style:   chart.Style{StrokeColor: seriesColor, StrokeWidth: 2},
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	if err := graph.Render(chart.PNG, w); err != nil {
		return fmt.Errorf("failed to render frame: %w", err)
	}

	return nil
}
