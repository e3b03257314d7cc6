package csvscope

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

type PlaybackState struct {
	Playing      bool
	StepInterval time.Duration
}

// PlaybackScheduler is a two state machine (Stopped, Running) around a single
// ticker. It does not advance anything itself: the owner selects on C() and
// applies one cursor advance per received tick.
//
// Every transition that needs a new timer stops the previous ticker first and
// then arms a new one with a new channel. A tick that was already buffered on
// the old channel can therefore never be observed through C() again. Like the
// rest of the playback state, the scheduler is owned by a single goroutine and
// is not safe for concurrent use.
type PlaybackScheduler struct {
	clock    clock.Clock
	interval time.Duration
	playing  bool

	ticker *clock.Ticker

	// Incremented every time a ticker is armed. Useful to assert that a
	// reconfiguration really replaced the timer.
	generation uint64

	logger logrus.FieldLogger
}

// Creates a stopped scheduler. A nil clk uses the wall clock.
func NewPlaybackScheduler(clk clock.Clock, interval time.Duration) (*PlaybackScheduler, error) {
	if err := validateStepInterval(interval); err != nil {
		return nil, err
	}

	if clk == nil {
		clk = clock.New()
	}

	return &PlaybackScheduler{
		clock:    clk,
		interval: interval,
		logger:   logrus.WithField("tag", "PlaybackScheduler"),
	}, nil
}

func (s *PlaybackScheduler) State() PlaybackState {
	return PlaybackState{Playing: s.playing, StepInterval: s.interval}
}

func (s *PlaybackScheduler) Playing() bool {
	return s.playing
}

func (s *PlaybackScheduler) Interval() time.Duration {
	return s.interval
}

func (s *PlaybackScheduler) Generation() uint64 {
	return s.generation
}

// The channel of the currently armed ticker, or nil while stopped. A nil
// channel blocks forever in a select, which is exactly what a stopped
// scheduler should do. Callers must fetch C() again after every transition.
func (s *PlaybackScheduler) C() <-chan time.Time {
	if s.ticker == nil {
		return nil
	}

	return s.ticker.C
}

// Flips between Stopped and Running and returns the new playing state.
func (s *PlaybackScheduler) TogglePlaying() bool {
	s.SetPlaying(!s.playing)
	return s.playing
}

func (s *PlaybackScheduler) SetPlaying(playing bool) {
	if playing == s.playing {
		return
	}

	s.playing = playing
	if playing {
		// The first tick arrives after one full interval.
		s.arm()
	} else {
		s.disarm()
	}

	s.logger.WithFields(logrus.Fields{
		"playing":    s.playing,
		"interval":   s.interval,
		"generation": s.generation,
	}).Info("playback toggled")
}

// Changes the tick period. While running, the current ticker is torn down and
// a new one is armed, so the next tick arrives one new interval after this
// call. An invalid interval is rejected without touching the running ticker.
func (s *PlaybackScheduler) SetInterval(interval time.Duration) error {
	if err := validateStepInterval(interval); err != nil {
		return err
	}

	if interval == s.interval {
		return nil
	}

	s.interval = interval
	if s.playing {
		s.arm()
	}

	s.logger.WithFields(logrus.Fields{
		"interval":   s.interval,
		"playing":    s.playing,
		"generation": s.generation,
	}).Debug("step interval changed")

	return nil
}

// Re-arms the ticker if running, discarding any tick that is already pending.
// Used when the cursor is reset so that a tick scheduled against the old
// position cannot apply a stale advance.
func (s *PlaybackScheduler) Restart() {
	if s.playing {
		s.arm()
	}
}

// Stops playback and releases the ticker.
func (s *PlaybackScheduler) Close() {
	s.playing = false
	s.disarm()
}

func (s *PlaybackScheduler) arm() {
	s.disarm()
	s.ticker = s.clock.Ticker(s.interval)
	s.generation++
}

func (s *PlaybackScheduler) disarm() {
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
}
