package mode

// ButtonEdge is the change in logical button state between two polls.
type ButtonEdge int

const (
	EdgeNone ButtonEdge = iota
	EdgePressed
	EdgeReleased
)

// String returns the human-readable name of the edge.
func (e ButtonEdge) String() string {
	switch e {
	case EdgeNone:
		return "none"
	case EdgePressed:
		return "pressed"
	case EdgeReleased:
		return "released"
	default:
		return "unknown"
	}
}

// EdgeDetector turns successive raw button levels into edges. It keeps only
// the previous logical level, so one poll's worth of history. Not safe for
// concurrent use; the control loop owns it.
type EdgeDetector struct {
	// ActiveLow inverts the raw level: a button wired to ground reads low
	// when pressed.
	ActiveLow bool

	prev bool
}

// Update feeds the current raw level and returns the edge since the last call.
func (d *EdgeDetector) Update(raw bool) ButtonEdge {
	cur := raw
	if d.ActiveLow {
		cur = !raw
	}
	prev := d.prev
	d.prev = cur
	switch {
	case cur && !prev:
		return EdgePressed
	case !cur && prev:
		return EdgeReleased
	default:
		return EdgeNone
	}
}

// Pressed reports the logical level seen by the last Update.
func (d *EdgeDetector) Pressed() bool { return d.prev }
