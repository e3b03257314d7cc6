package csvscope

import (
	"fmt"
	"time"
)

// Defaults match what the viewer shows before the user touches any control.
const (
	DefaultWindowSize   = 50
	DefaultWindowStart  = 0
	DefaultStepInterval = 500 * time.Millisecond
	DefaultStepSize     = 10
)

type WindowConfig struct {
	// Number of points sampled per frame. Must be >= 1.
	WindowSize int

	// Index the cursor is reset to whenever this value changes. Any value is
	// accepted here; out of range indices surface when the frame is computed.
	WindowStart int

	// Period of the playback timer. Must be > 0.
	StepInterval time.Duration

	// Stride between samples in a window and the per-tick cursor advance. The
	// sign selects forward or backward playback. Must not be 0.
	StepSize int
}

func DefaultWindowConfig() WindowConfig {
	return WindowConfig{
		WindowSize:   DefaultWindowSize,
		WindowStart:  DefaultWindowStart,
		StepInterval: DefaultStepInterval,
		StepSize:     DefaultStepSize,
	}
}

// InvalidConfigError is returned when a configuration value is rejected. It is
// always returned before any state (including timers) is modified.
type InvalidConfigError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

func validateWindowSize(n int) error {
	if n < 1 {
		return &InvalidConfigError{Field: "windowSize", Value: n, Reason: "must be at least 1"}
	}
	return nil
}

func validateStepInterval(d time.Duration) error {
	if d <= 0 {
		return &InvalidConfigError{Field: "stepInterval", Value: d, Reason: "must be positive"}
	}
	return nil
}

func validateStepSize(n int) error {
	if n == 0 {
		return &InvalidConfigError{Field: "stepSize", Value: n, Reason: "must not be zero"}
	}
	return nil
}

func (c WindowConfig) Validate() error {
	if err := validateWindowSize(c.WindowSize); err != nil {
		return err
	}
	if err := validateStepInterval(c.StepInterval); err != nil {
		return err
	}
	return validateStepSize(c.StepSize)
}
