package csvscope

import (
	"context"
	"errors"
	"io"
	"runtime/trace"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

var ErrViewerStopped = errors.New("viewer stopped")

// FrameUpdate is what the Viewer publishes to render sinks after every change.
type FrameUpdate struct {
	Frame Frame

	// Cursor position the frame was sampled from.
	Step int

	Playing bool
	Config  WindowConfig

	// Number of points in the loaded series.
	Points int

	// Where the loaded series came from, e.g. a file name. Empty when the
	// caller did not say.
	Source string `json:",omitempty"`

	// Set when the current cursor/config cannot produce a frame. Frame then
	// still holds the last successfully computed frame.
	Error string `json:",omitempty"`

	err error
}

// The typed error behind Error, e.g. a *WindowOutOfRangeError.
func (u FrameUpdate) Err() error {
	return u.err
}

type ViewerOptions struct {
	Config WindowConfig

	// One of FormatComma (default), FormatRelaxed or FormatCSV.
	Format string

	// Drives playback. Defaults to the wall clock.
	Clock clock.Clock

	Metrics *Metrics
}

type command struct {
	name  string
	apply func() error
	done  chan error
}

// The Viewer owns the series, the cursor, the window configuration and the
// playback scheduler. A single goroutine (started by Start) applies every
// change and every playback tick one at a time, so no two mutations ever
// interleave. After each change the frame is recomputed if one of its inputs
// (series, cursor step, window size, step size) changed, and the result is
// published to all registered channels.
type Viewer struct {
	store     *DataStore
	cursor    *WindowCursor
	config    WindowConfig
	source    string
	scheduler *PlaybackScheduler
	metrics   *Metrics

	commands chan command
	stopped  chan struct{}
	wg       sync.WaitGroup

	// Guards the fields below, which are also read by HTTP handlers.
	mutex sync.Mutex

	// Channels of open websockets and other sinks. Should be buffered; a full
	// channel misses updates rather than blocking the loop.
	channelsForLiveUpdate []chan<- FrameUpdate

	// Sent to a channel upon registration.
	latest FrameUpdate

	logger logrus.FieldLogger
}

func NewViewer(opts ViewerOptions) (*Viewer, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}

	store, err := NewDataStore(opts.Format)
	if err != nil {
		return nil, err
	}

	scheduler, err := NewPlaybackScheduler(opts.Clock, opts.Config.StepInterval)
	if err != nil {
		return nil, err
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	v := &Viewer{
		store:     store,
		cursor:    NewWindowCursor(opts.Config.WindowStart),
		config:    opts.Config,
		scheduler: scheduler,
		metrics:   metrics,

		commands: make(chan command),
		stopped:  make(chan struct{}),

		channelsForLiveUpdate: make([]chan<- FrameUpdate, 0),
		logger:                logrus.WithField("tag", "Viewer"),
	}

	// The store is empty so this cannot fail, but it establishes the initial
	// update that is handed to the first registered channel.
	v.recompute(context.Background())

	return v, nil
}

func (v *Viewer) Start(ctx context.Context) {
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		defer close(v.stopped)
		v.run(ctx)
		v.logger.Info("viewer loop stopped")
	}()
}

func (v *Viewer) Wait() {
	v.wg.Wait()
}

func (v *Viewer) run(ctx context.Context) {
	defer v.scheduler.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-v.commands:
			traceCtx, task := trace.NewTask(ctx, "ViewerCommand")
			trace.Log(traceCtx, "command", cmd.name)
			cmd.done <- cmd.apply()
			task.End()
		case <-v.scheduler.C():
			// C() is evaluated on every iteration, so after a stop or a
			// reconfiguration only the current ticker can be selected.
			traceCtx, task := trace.NewTask(ctx, "ViewerTick")
			v.tick(traceCtx)
			task.End()
		}
	}
}

// Submits apply to the loop and waits until it has run.
func (v *Viewer) do(ctx context.Context, name string, apply func() error) error {
	cmd := command{name: name, apply: apply, done: make(chan error, 1)}

	select {
	case v.commands <- cmd:
	case <-v.stopped:
		return ErrViewerStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	// Once accepted, the command always runs to completion.
	return <-cmd.done
}

func (v *Viewer) tick(ctx context.Context) {
	previous := v.cursor.Step()
	v.cursor.Advance(v.config.StepSize) // Read at tick time, not when playback started.
	v.metrics.Ticks.Inc()

	frame, err := v.computeFrame(ctx)
	if err != nil {
		// Leave the cursor on the last valid window and stop instead of
		// ticking past the end of the series forever.
		v.cursor.Reset(previous)
		v.scheduler.SetPlaying(false)
		v.metrics.FrameErrors.Inc()
		v.logger.WithError(err).Warn("playback left the series, stopping")
		v.publish(v.latestFrame(), err)
		return
	}

	v.metrics.Frames.Inc()
	v.publish(frame, nil)
}

// Parses raw text and, if it is valid, replaces the loaded series. A failed
// load leaves the previous series and frame untouched.
func (v *Viewer) Load(ctx context.Context, raw string) error {
	return v.LoadFrom(ctx, "", strings.NewReader(strings.TrimSpace(raw)))
}

// Like Load but reading from input.
func (v *Viewer) LoadReader(ctx context.Context, input io.Reader) error {
	return v.LoadFrom(ctx, "", input)
}

// Like LoadReader, and records source as the origin of the series once it has
// been accepted. The input is read and parsed on the calling goroutine; only
// the swap of the parsed series happens on the loop.
func (v *Viewer) LoadFrom(ctx context.Context, source string, input io.Reader) error {
	reader, err := NewStringReader(v.store.Format(), input)
	if err != nil {
		return err
	}

	series, err := ParseSeries(ctx, reader)
	if err != nil {
		v.metrics.Loads.WithLabelValues("error").Inc()
		v.logger.WithError(err).WithField("source", source).Warn("rejected load, keeping previous series")
		return err
	}

	return v.do(ctx, "Load", func() error {
		v.store.Replace(series)
		v.source = source
		v.metrics.Loads.WithLabelValues("ok").Inc()
		v.metrics.SeriesPoints.Set(float64(len(series)))

		v.cursor.Reset(v.config.WindowStart)
		v.scheduler.Restart()
		v.recompute(ctx)
		return nil
	})
}

func (v *Viewer) SetWindowSize(ctx context.Context, n int) error {
	if err := validateWindowSize(n); err != nil {
		return err
	}

	return v.do(ctx, "SetWindowSize", func() error {
		if n == v.config.WindowSize {
			return nil
		}

		v.config.WindowSize = n
		v.recompute(ctx)
		return nil
	})
}

// Changing the window start always resets the cursor to it, whether or not
// playback is running. A pending tick computed against the old cursor is
// discarded by re-arming the scheduler.
func (v *Viewer) SetWindowStart(ctx context.Context, start int) error {
	return v.do(ctx, "SetWindowStart", func() error {
		if start == v.config.WindowStart {
			return nil
		}

		v.config.WindowStart = start
		v.cursor.Reset(start)
		v.scheduler.Restart()
		v.recompute(ctx)
		return nil
	})
}

func (v *Viewer) SetStepSize(ctx context.Context, n int) error {
	if err := validateStepSize(n); err != nil {
		return err
	}

	return v.do(ctx, "SetStepSize", func() error {
		if n == v.config.StepSize {
			return nil
		}

		// No restart needed: the next tick reads the new value.
		v.config.StepSize = n
		v.recompute(ctx)
		return nil
	})
}

func (v *Viewer) SetStepInterval(ctx context.Context, interval time.Duration) error {
	if err := validateStepInterval(interval); err != nil {
		return err
	}

	return v.do(ctx, "SetStepInterval", func() error {
		if err := v.scheduler.SetInterval(interval); err != nil {
			return err
		}

		v.config.StepInterval = interval
		v.republish()
		return nil
	})
}

// Applies a complete configuration. It is validated as a whole before anything
// changes, and the frame is recomputed at most once.
func (v *Viewer) Configure(ctx context.Context, config WindowConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}

	return v.UpdateConfig(ctx, func(c *WindowConfig) {
		*c = config
	})
}

// Applies mutate to a copy of the current configuration on the loop goroutine
// and then behaves like Configure. Use this for partial updates so that
// concurrent callers do not overwrite each other's changes.
func (v *Viewer) UpdateConfig(ctx context.Context, mutate func(*WindowConfig)) error {
	return v.do(ctx, "UpdateConfig", func() error {
		previous := v.config
		config := previous
		mutate(&config)

		if err := config.Validate(); err != nil {
			return err
		}

		if config == previous {
			return nil
		}

		if err := v.scheduler.SetInterval(config.StepInterval); err != nil {
			return err
		}

		v.config = config
		if config.WindowStart != previous.WindowStart {
			v.cursor.Reset(config.WindowStart)
			v.scheduler.Restart()
		}

		if config.WindowStart != previous.WindowStart ||
			config.WindowSize != previous.WindowSize ||
			config.StepSize != previous.StepSize {
			v.recompute(ctx)
		} else {
			v.republish()
		}
		return nil
	})
}

// Flips playback and returns the new playing state. When this returns false,
// no further tick will be applied until playback is started again.
func (v *Viewer) TogglePlaying(ctx context.Context) (bool, error) {
	var playing bool
	err := v.do(ctx, "TogglePlaying", func() error {
		playing = v.scheduler.TogglePlaying()
		v.republish()
		return nil
	})

	return playing, err
}

func (v *Viewer) SetPlaying(ctx context.Context, playing bool) error {
	return v.do(ctx, "SetPlaying", func() error {
		if playing == v.scheduler.Playing() {
			return nil
		}

		v.scheduler.SetPlaying(playing)
		v.republish()
		return nil
	})
}

// Returns the most recently published update.
func (v *Viewer) Latest() FrameUpdate {
	v.mutex.Lock()
	defer v.mutex.Unlock()

	return v.latest
}

// Register a new channel. The latest update is sent to it right away so a new
// client does not have to wait for the next change to draw something.
//
// - ctx: is the HTTP call context.
// - c: is the channel to send updates on. This should be a buffered channel.
func (v *Viewer) RegisterChannel(ctx context.Context, c chan<- FrameUpdate) {
	traceCtx, task := trace.NewTask(ctx, "RegisterChannel")
	defer task.End()

	trace.WithRegion(traceCtx, "Lock", v.mutex.Lock)
	defer v.mutex.Unlock()

	v.sendLocked(c, v.latest)
	v.channelsForLiveUpdate = append(v.channelsForLiveUpdate, c)
	v.metrics.Clients.Set(float64(len(v.channelsForLiveUpdate)))

	v.logger.WithField("channels", len(v.channelsForLiveUpdate)).Info("registered channel")
}

// Deregister a channel. The channel must not be closed before this returns.
func (v *Viewer) DeregisterChannel(ctx context.Context, c chan<- FrameUpdate) {
	traceCtx, task := trace.NewTask(ctx, "DeregisterChannel")
	defer task.End()

	trace.WithRegion(traceCtx, "Lock", v.mutex.Lock)
	defer v.mutex.Unlock()

	v.channelsForLiveUpdate = Filter(v.channelsForLiveUpdate, func(channel chan<- FrameUpdate) bool {
		return channel != c
	})
	v.metrics.Clients.Set(float64(len(v.channelsForLiveUpdate)))

	v.logger.WithField("channels", len(v.channelsForLiveUpdate)).Info("deregistered channel")
}

// Recomputes the frame from the current series, cursor and config and
// publishes it. On failure the previous frame is republished together with the
// error, and the error is returned.
func (v *Viewer) recompute(ctx context.Context) error {
	frame, err := v.computeFrame(ctx)
	if err != nil {
		v.metrics.FrameErrors.Inc()
		v.logger.WithError(err).Debug("frame not computed")
		v.publish(v.latestFrame(), err)
		return err
	}

	v.metrics.Frames.Inc()
	v.publish(frame, nil)
	return nil
}

func (v *Viewer) computeFrame(ctx context.Context) (Frame, error) {
	var frame Frame
	var err error

	trace.WithRegion(ctx, "ComputeFrame", func() {
		frame, err = ComputeFrame(v.store.Get(), v.cursor.Step(), v.config.WindowSize, v.config.StepSize)
	})

	return frame, err
}

// Publishes the current playback/config state without touching the frame.
func (v *Viewer) republish() {
	latest := v.Latest()
	v.publish(latest.Frame, latest.err)
}

func (v *Viewer) latestFrame() Frame {
	return v.Latest().Frame
}

func (v *Viewer) publish(frame Frame, err error) {
	update := FrameUpdate{
		Frame:   frame,
		Step:    v.cursor.Step(),
		Playing: v.scheduler.Playing(),
		Config:  v.config,
		Points:  v.store.Len(),
		Source:  v.source,
		err:     err,
	}

	if err != nil {
		update.Error = err.Error()
	}

	v.metrics.Step.Set(float64(update.Step))

	v.mutex.Lock()
	defer v.mutex.Unlock()

	v.latest = update

	v.logger.WithFields(logrus.Fields{
		"step":    update.Step,
		"playing": update.Playing,
		"points":  len(frame.Ys),
	}).Debug("publishing frame")

	for _, c := range v.channelsForLiveUpdate {
		v.sendLocked(c, update)
	}
}

func (v *Viewer) sendLocked(c chan<- FrameUpdate, update FrameUpdate) {
	select {
	case c <- update:
	default:
		v.metrics.DroppedUpdates.Inc()
		v.logger.Warn("consumer channel full, dropping frame update")
	}
}
