package jobs

import "time"

// RetryDelay returns the exponential delay before the next attempt after
// attemptsMade failures: base, 2*base, 4*base, ... capped at max.
func RetryDelay(attemptsMade int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBackoff
	}
	if max <= 0 {
		max = DefaultMaxBackoff
	}
	if attemptsMade <= 1 {
		if base > max {
			return max
		}
		return base
	}

	delay := base
	for idx := 1; idx < attemptsMade; idx++ {
		if delay >= max/2 {
			return max
		}
		delay *= 2
	}
	if delay > max {
		return max
	}
	return delay
}
