package csvscope

// WindowCursor is the current step offset into the loaded series. It is not
// bounds checked: ComputeFrame reports an out of range cursor.
type WindowCursor struct {
	step int
}

func NewWindowCursor(start int) *WindowCursor {
	return &WindowCursor{step: start}
}

func (c *WindowCursor) Step() int {
	return c.step
}

// Called whenever the configured window start changes.
func (c *WindowCursor) Reset(to int) {
	c.step = to
}

// Called once per playback tick.
func (c *WindowCursor) Advance(by int) {
	c.step += by
}
