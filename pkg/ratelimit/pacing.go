package ratelimit

import "time"

// PacingDelay computes how long the worker should wait before the next fetch
// so the remaining quota is spread evenly across the reset window. The target
// spacing is resetMs/(remaining+1), rounded up; with no quota left it is the
// full window plus a small margin. elapsed is the time already spent on the
// current iteration and is credited against the target.
//
// Returns zero when any of limit/remaining/reset is unknown or the window has
// already reset.
func PacingDelay(info Info, elapsed time.Duration) time.Duration {
	if info.Limit == nil || *info.Limit == 0 || info.Remaining == nil || info.ResetSeconds == nil || *info.ResetSeconds <= 0 {
		return 0
	}

	resetMs := *info.ResetSeconds * 1000

	var targetMs int64
	if *info.Remaining <= 0 {
		targetMs = resetMs + 250
	} else {
		targetMs = (resetMs + *info.Remaining) / (*info.Remaining + 1)
	}

	delay := time.Duration(targetMs)*time.Millisecond - elapsed
	if delay < 0 {
		return 0
	}

	feedPacingSeconds.Observe(delay.Seconds())
	return delay
}
