package queue

import "time"

// EstimateETA extrapolates the remaining seconds of a stage linearly from the
// time spent so far. It returns nil when progress is outside (0, 100).
func EstimateETA(elapsed time.Duration, progress float64) *float64 {
	if progress <= 0 || progress >= 100 {
		return nil
	}
	secs := elapsed.Seconds()
	if secs < 0 {
		secs = 0
	}
	eta := (secs / progress) * (100 - progress)
	return &eta
}

func clampProgress(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
