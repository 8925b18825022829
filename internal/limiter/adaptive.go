package limiter

import (
	"time"

	"domain-limiter/internal/domain"
)

// AdaptiveController ajusta a taxa do bucket a partir dos resultados reportados
// Redução multiplicativa em 429 ou falhas repetidas, crescimento em sucessos rápidos
type AdaptiveController struct {
	bucket  *TokenBucket
	tuning  domain.AdaptiveTuning
	enabled bool

	base    float64
	current float64
	min     float64
	max     float64

	failureStreak int
}

// NewAdaptiveController cria o controlador já ligado ao bucket do domínio
func NewAdaptiveController(bucket *TokenBucket, baseRate float64, tuning domain.AdaptiveTuning, enabled bool) *AdaptiveController {
	a := &AdaptiveController{
		bucket:  bucket,
		tuning:  tuning,
		enabled: enabled,
		base:    baseRate,
		current: baseRate,
		min:     baseRate,
		max:     baseRate,
	}
	if enabled {
		a.min = baseRate * tuning.MinRateFactor
		a.max = baseRate * tuning.MaxRateFactor
	}
	return a
}

// OnOutcome aplica a política ao resultado e empurra a nova taxa para o bucket.
// Retorna true se a taxa mudou.
func (a *AdaptiveController) OnOutcome(now time.Time, outcome domain.RequestOutcome) bool {
	if !a.enabled {
		return false
	}

	next := a.current
	switch {
	case outcome.StatusCode == 429:
		a.failureStreak = 0
		next = a.current * a.tuning.DecreaseFactor

	case outcome.IsFailure():
		a.failureStreak++
		if a.failureStreak >= a.tuning.FailureStreak {
			a.failureStreak = 0
			next = a.current * a.tuning.DecreaseFactor
		}

	default:
		a.failureStreak = 0
		responseTime := time.Duration(outcome.ResponseTimeMs) * time.Millisecond
		if responseTime < a.tuning.FastResponseThreshold {
			next = a.current * a.tuning.IncreaseFactor
		} else if a.tuning.SlowResponseThreshold > 0 && responseTime >= a.tuning.SlowResponseThreshold {
			next = a.current * a.tuning.SlowDecreaseFactor
		}
	}

	return a.apply(now, next)
}

// Current retorna a taxa corrente
func (a *AdaptiveController) Current() float64 {
	return a.current
}

// Bounds retorna o piso e o teto da taxa
func (a *AdaptiveController) Bounds() (float64, float64) {
	return a.min, a.max
}

// Reset volta para a taxa base
func (a *AdaptiveController) Reset(now time.Time) {
	a.failureStreak = 0
	a.apply(now, a.base)
}

func (a *AdaptiveController) apply(now time.Time, next float64) bool {
	if next < a.min {
		next = a.min
	}
	if next > a.max {
		next = a.max
	}
	if next == a.current {
		return false
	}
	a.current = next
	a.bucket.setRate(now, next)
	return true
}
