package limiter

import (
	"math/rand"
	"time"
)

// BackoffDelay calcula o atraso de retry: min(max, initial*2^retry), com jitter de ±20%.
// O resultado nunca passa de max. rnd deve retornar valores em [0, 1); nil usa math/rand.
func BackoffDelay(retryCount int, initial, max time.Duration, jitter bool, rnd func() float64) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	if initial <= 0 {
		return 0
	}

	base := initial
	for i := 0; i < retryCount && base < max; i++ {
		if base > max/2 {
			base = max
			break
		}
		base *= 2
	}
	if base > max {
		base = max
	}

	if !jitter {
		return base
	}
	if rnd == nil {
		rnd = rand.Float64
	}

	delay := time.Duration(float64(base) * (0.8 + 0.4*rnd()))
	if delay > max {
		delay = max
	}
	return delay
}
