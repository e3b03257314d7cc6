package csvscope

import (
	"fmt"
)

// The margin of error band drawn around each sampled point is a fixed fraction
// of the point's value. It is not a confidence interval.
const MarginOfErrorRatio = 0.1

// Frame is the derived snapshot for the currently visible window. It is always
// replaced, never modified in place, so it is safe to hand to render sinks.
type Frame struct {
	Xs       []float64
	Ys       []float64
	MoeUpper []float64
	MoeLower []float64

	Min      float64
	Max      float64
	Avg      float64
	Variance float64
}

func emptyFrame() Frame {
	return Frame{
		Xs:       []float64{},
		Ys:       []float64{},
		MoeUpper: []float64{},
		MoeLower: []float64{},
	}
}

// WindowOutOfRangeError is returned when sampling the window would read before
// the start or past the end of the series.
type WindowOutOfRangeError struct {
	Step       int
	WindowSize int
	StepSize   int
	SeriesLen  int

	// The first sampled index that falls outside [0, SeriesLen-1].
	Index int
}

func (e *WindowOutOfRangeError) Error() string {
	return fmt.Sprintf(
		"window out of range: index %d outside [0, %d] (step=%d, windowSize=%d, stepSize=%d)",
		e.Index, e.SeriesLen-1, e.Step, e.WindowSize, e.StepSize,
	)
}

// Reports whether every sampled index of the window lies in [0, n-1]. If not,
// it also returns the first sampled index that does not. The end of the window
// is never computed directly, so huge window sizes cannot overflow.
func firstIndexOutside(n, step, windowSize, stepSize int) (int, bool) {
	if step < 0 || step > n-1 {
		return step, false
	}

	// Number of strides that still land inside the series.
	var fit int
	if stepSize > 0 {
		fit = (n - 1 - step) / stepSize
	} else {
		fit = step / -stepSize
	}

	if windowSize-1 <= fit {
		return 0, true
	}

	return step + (fit+1)*stepSize, false
}

// ComputeFrame samples windowSize points starting at index step, with stepSize
// between consecutive samples, and derives the window statistics from them.
//
// An empty series yields an empty frame with all statistics 0. Otherwise every
// sampled index must be inside the series or a *WindowOutOfRangeError is
// returned; the window is never clamped. The result depends only on the
// arguments.
func ComputeFrame(series DataSeries, step, windowSize, stepSize int) (Frame, error) {
	if len(series) == 0 {
		return emptyFrame(), nil
	}

	if err := validateWindowSize(windowSize); err != nil {
		return Frame{}, err
	}
	if err := validateStepSize(stepSize); err != nil {
		return Frame{}, err
	}

	if index, ok := firstIndexOutside(len(series), step, windowSize, stepSize); !ok {
		return Frame{}, &WindowOutOfRangeError{
			Step:       step,
			WindowSize: windowSize,
			StepSize:   stepSize,
			SeriesLen:  len(series),
			Index:      index,
		}
	}

	frame := Frame{
		Xs:       make([]float64, 0, windowSize),
		Ys:       make([]float64, 0, windowSize),
		MoeUpper: make([]float64, 0, windowSize),
		MoeLower: make([]float64, 0, windowSize),
		Min:      series[step].Y,
		Max:      series[step].Y,
	}

	// First pass: extrema and mean.
	sum := 0.0
	index := step
	for i := 0; i < windowSize; i++ {
		point := series[index]
		frame.Min = Min(frame.Min, point.Y)
		frame.Max = Max(frame.Max, point.Y)
		frame.Xs = append(frame.Xs, point.X)
		frame.Ys = append(frame.Ys, point.Y)
		sum += point.Y
		index += stepSize
	}

	frame.Avg = sum / float64(windowSize)
	if frame.Min == frame.Max {
		// Rounding in sum/n must not leave a residual variance for a flat window.
		frame.Avg = frame.Min
	}

	// Second pass: squared deviations from the mean and the error band.
	squaredDiffSum := 0.0
	for _, y := range frame.Ys {
		diff := y - frame.Avg
		squaredDiffSum += diff * diff

		moe := y * MarginOfErrorRatio
		frame.MoeUpper = append(frame.MoeUpper, y+moe)
		frame.MoeLower = append(frame.MoeLower, y-moe)
	}

	frame.Variance = squaredDiffSum / float64(windowSize)

	return frame, nil
}
