package csvscope

import (
	"errors"
	"testing"
	"time"
)

func TestWindowConfigValidate(t *testing.T) {
	if err := DefaultWindowConfig().Validate(); err != nil {
		t.Fatalf("default config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*WindowConfig)
		field  string
	}{
		{"zero window size", func(c *WindowConfig) { c.WindowSize = 0 }, "windowSize"},
		{"negative window size", func(c *WindowConfig) { c.WindowSize = -3 }, "windowSize"},
		{"zero interval", func(c *WindowConfig) { c.StepInterval = 0 }, "stepInterval"},
		{"negative interval", func(c *WindowConfig) { c.StepInterval = -time.Second }, "stepInterval"},
		{"zero step size", func(c *WindowConfig) { c.StepSize = 0 }, "stepSize"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			config := DefaultWindowConfig()
			c.mutate(&config)

			var configErr *InvalidConfigError
			if err := config.Validate(); !errors.As(err, &configErr) {
				t.Fatalf("expected *InvalidConfigError, got %v", err)
			}
			if configErr.Field != c.field {
				t.Fatalf("Field = %q, want %q", configErr.Field, c.field)
			}
		})
	}

	t.Run("any window start and negative step size", func(t *testing.T) {
		config := DefaultWindowConfig()
		config.WindowStart = -100
		config.StepSize = -1
		if err := config.Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestWindowCursor(t *testing.T) {
	c := NewWindowCursor(20)
	if c.Step() != 20 {
		t.Fatalf("Step() = %d, want 20", c.Step())
	}

	c.Advance(10)
	c.Advance(-3)
	if c.Step() != 27 {
		t.Fatalf("Step() = %d, want 27", c.Step())
	}

	c.Reset(5)
	if c.Step() != 5 {
		t.Fatalf("Step() = %d, want 5", c.Step())
	}
}
