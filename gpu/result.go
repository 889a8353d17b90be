package gpu

// Result is the status of an operation whose non-success outcomes are part
// of normal operation rather than failures.
type Result int

const (
	Success Result = iota
	// Suboptimal means the swapchain still works but no longer matches the
	// surface exactly.
	Suboptimal
	// OutOfDate means the swapchain can no longer present to the surface.
	OutOfDate
	// Timeout means a bounded wait expired.
	Timeout
	// DeviceLost means the device can no longer execute work.
	DeviceLost
	// Failed accompanies an error that has no status of its own.
	Failed
)

func (r Result) String() string {
	switch r {
	case Success:
		return "Success"
	case Suboptimal:
		return "Suboptimal"
	case OutOfDate:
		return "OutOfDate"
	case Timeout:
		return "Timeout"
	case DeviceLost:
		return "DeviceLost"
	case Failed:
		return "Failed"
	}
	return "Unknown"
}

// Stale reports whether the result means the swapchain must be rebuilt.
func (r Result) Stale() bool {
	return r == Suboptimal || r == OutOfDate
}
