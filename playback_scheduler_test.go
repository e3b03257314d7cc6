package csvscope

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func received(c <-chan time.Time) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}

func newTestScheduler(t *testing.T, interval time.Duration) (*PlaybackScheduler, *clock.Mock) {
	t.Helper()

	mock := clock.NewMock()
	s, err := NewPlaybackScheduler(mock, interval)
	if err != nil {
		t.Fatalf("NewPlaybackScheduler() failed: %v", err)
	}
	t.Cleanup(s.Close)
	return s, mock
}

func TestPlaybackScheduler(t *testing.T) {
	t.Run("stopped has no channel", func(t *testing.T) {
		s, mock := newTestScheduler(t, 500*time.Millisecond)
		if s.C() != nil {
			t.Fatal("expected nil channel while stopped")
		}

		mock.Add(2 * time.Second)
		if s.Playing() {
			t.Fatal("expected scheduler to stay stopped")
		}
	})

	t.Run("first tick after one interval", func(t *testing.T) {
		s, mock := newTestScheduler(t, 500*time.Millisecond)
		if !s.TogglePlaying() {
			t.Fatal("expected TogglePlaying() to return true")
		}

		if received(s.C()) {
			t.Fatal("expected no immediate tick")
		}

		mock.Add(499 * time.Millisecond)
		if received(s.C()) {
			t.Fatal("expected no tick before the interval elapsed")
		}

		mock.Add(time.Millisecond)
		if !received(s.C()) {
			t.Fatal("expected tick after one interval")
		}

		mock.Add(500 * time.Millisecond)
		if !received(s.C()) {
			t.Fatal("expected periodic tick")
		}
	})

	t.Run("stop discards pending tick", func(t *testing.T) {
		s, mock := newTestScheduler(t, 100*time.Millisecond)
		s.SetPlaying(true)
		c := s.C()

		mock.Add(100 * time.Millisecond)
		s.SetPlaying(false)

		if s.C() != nil {
			t.Fatal("expected nil channel after stop")
		}

		// Drain the tick that fired before the stop; nothing else may follow.
		received(c)
		mock.Add(time.Second)
		if received(c) {
			t.Fatal("stopped ticker kept firing")
		}
	})

	t.Run("toggle twice within interval yields one tick", func(t *testing.T) {
		s, mock := newTestScheduler(t, 500*time.Millisecond)
		s.TogglePlaying()
		first := s.C()

		mock.Add(200 * time.Millisecond)
		if s.TogglePlaying() {
			t.Fatal("expected TogglePlaying() to return false")
		}
		if !s.TogglePlaying() {
			t.Fatal("expected TogglePlaying() to return true")
		}

		// The first ticker would have fired here.
		mock.Add(300 * time.Millisecond)
		if received(first) || received(s.C()) {
			t.Fatal("unexpected tick from the replaced ticker")
		}

		mock.Add(200 * time.Millisecond)
		if !received(s.C()) {
			t.Fatal("expected tick one interval after restarting")
		}
		if received(s.C()) {
			t.Fatal("expected exactly one tick")
		}
	})

	t.Run("interval change re-arms", func(t *testing.T) {
		s, mock := newTestScheduler(t, 500*time.Millisecond)
		s.SetPlaying(true)
		old := s.C()
		generation := s.Generation()

		mock.Add(300 * time.Millisecond)
		if err := s.SetInterval(100 * time.Millisecond); err != nil {
			t.Fatalf("SetInterval() failed: %v", err)
		}
		if s.Generation() != generation+1 {
			t.Fatalf("Generation() = %d, want %d", s.Generation(), generation+1)
		}

		for i := 0; i < 5; i++ {
			mock.Add(100 * time.Millisecond)
			if !received(s.C()) {
				t.Fatalf("expected tick %d at the new interval", i)
			}
		}

		if received(old) {
			t.Fatal("old ticker fired after the interval change")
		}

		want := PlaybackState{Playing: true, StepInterval: 100 * time.Millisecond}
		if s.State() != want {
			t.Fatalf("State() = %+v, want %+v", s.State(), want)
		}
	})

	t.Run("interval change while stopped", func(t *testing.T) {
		s, mock := newTestScheduler(t, 500*time.Millisecond)
		if err := s.SetInterval(50 * time.Millisecond); err != nil {
			t.Fatalf("SetInterval() failed: %v", err)
		}
		if s.C() != nil || s.Generation() != 0 {
			t.Fatal("expected no ticker while stopped")
		}

		s.SetPlaying(true)
		mock.Add(50 * time.Millisecond)
		if !received(s.C()) {
			t.Fatal("expected tick at the new interval")
		}
	})

	t.Run("invalid interval keeps ticker", func(t *testing.T) {
		s, mock := newTestScheduler(t, 100*time.Millisecond)
		s.SetPlaying(true)
		generation := s.Generation()

		var configErr *InvalidConfigError
		if err := s.SetInterval(0); !errors.As(err, &configErr) {
			t.Fatalf("expected *InvalidConfigError, got %v", err)
		}
		if s.Generation() != generation || s.Interval() != 100*time.Millisecond {
			t.Fatal("invalid interval modified the scheduler")
		}

		mock.Add(100 * time.Millisecond)
		if !received(s.C()) {
			t.Fatal("expected the original ticker to keep running")
		}
	})

	t.Run("restart discards pending tick", func(t *testing.T) {
		s, mock := newTestScheduler(t, 100*time.Millisecond)
		s.SetPlaying(true)

		mock.Add(100 * time.Millisecond)
		s.Restart()
		if received(s.C()) {
			t.Fatal("pending tick survived the restart")
		}

		mock.Add(100 * time.Millisecond)
		if !received(s.C()) {
			t.Fatal("expected tick one interval after the restart")
		}
	})

	t.Run("restart while stopped", func(t *testing.T) {
		s, _ := newTestScheduler(t, 100*time.Millisecond)
		s.Restart()
		if s.C() != nil || s.Playing() {
			t.Fatal("restart started a stopped scheduler")
		}
	})
}

func TestNewPlaybackSchedulerInvalid(t *testing.T) {
	if _, err := NewPlaybackScheduler(clock.NewMock(), -time.Second); err == nil {
		t.Fatal("expected error for negative interval")
	}
}
