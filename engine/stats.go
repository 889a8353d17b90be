package engine

import (
	"time"

	"github.com/loov/hrtime"
)

// Stats counts what happened to the frames the engine drove.
type Stats struct {
	// Frames counts presented frames.
	Frames int
	// Skipped counts ticks dropped because of a timed out fence wait or an
	// out of date swapchain.
	Skipped int
	// Stale counts out of date and suboptimal results from acquire and
	// present.
	Stale int
	// Rebuilds counts swapchain rebuilds done ahead of a frame for a resize
	// or a settings change.
	Rebuilds int
	// LastFrame is the CPU time of the last presented frame.
	LastFrame time.Duration
	// Average is an exponential moving average of LastFrame.
	Average time.Duration

	started time.Duration
	last    time.Duration
}

// averageWeight is the weight of the newest sample in Average.
const averageWeight = 0.1

func (s *Stats) begin() {
	s.started = hrtime.Now()
}

func (s *Stats) presented() {
	now := hrtime.Now()
	s.LastFrame = now - s.started
	if s.Frames == 0 {
		s.Average = s.LastFrame
	} else {
		s.Average += time.Duration(averageWeight * float64(s.LastFrame-s.Average))
	}
	s.Frames++
	s.last = now
}

// FPS returns the frame rate implied by Average.
func (s Stats) FPS() float64 {
	if s.Average <= 0 {
		return 0
	}
	return float64(time.Second) / float64(s.Average)
}

// SinceLastFrame returns the time since the last frame was presented.
func (s Stats) SinceLastFrame() time.Duration {
	if s.Frames == 0 {
		return 0
	}
	return hrtime.Since(s.last)
}
