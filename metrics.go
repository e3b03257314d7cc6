package csvscope

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Ticks          prometheus.Counter
	Frames         prometheus.Counter
	FrameErrors    prometheus.Counter
	Loads          *prometheus.CounterVec
	DroppedUpdates prometheus.Counter
	Clients        prometheus.Gauge
	Step           prometheus.Gauge
	SeriesPoints   prometheus.Gauge
}

// Creates the viewer metrics and registers them with reg. A nil reg creates
// unregistered metrics, which keeps tests free of global state.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Ticks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "csvscope",
			Name:      "playback_ticks_total",
			Help:      "Playback ticks applied to the window cursor.",
		}),
		Frames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "csvscope",
			Name:      "frames_computed_total",
			Help:      "Frames successfully computed.",
		}),
		FrameErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "csvscope",
			Name:      "frame_errors_total",
			Help:      "Frame computations that failed, e.g. because the window was out of range.",
		}),
		Loads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "csvscope",
			Name:      "loads_total",
			Help:      "Series loads by result.",
		}, []string{"result"}),
		DroppedUpdates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "csvscope",
			Name:      "dropped_updates_total",
			Help:      "Frame updates not delivered because a consumer channel was full.",
		}),
		Clients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "csvscope",
			Name:      "registered_channels",
			Help:      "Channels currently receiving frame updates.",
		}),
		Step: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "csvscope",
			Name:      "window_step",
			Help:      "Current window cursor position.",
		}),
		SeriesPoints: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "csvscope",
			Name:      "series_points",
			Help:      "Number of points in the loaded series.",
		}),
	}
}
