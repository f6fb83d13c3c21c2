package control

import (
	"math/rand"
	"time"
)

// Delay returns the retry delay before attempt N (1-based). The schedule
// grows geometrically from InitialDelay, clamps at MaxDelay, and optionally
// spreads by a jitter factor in [0.5, 1.5).
func (b BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	mult := b.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	delay := float64(b.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= mult
		if b.MaxDelay > 0 && delay >= float64(b.MaxDelay) {
			delay = float64(b.MaxDelay)
			break
		}
	}

	if b.Jitter && attempt > 1 {
		factor := 0.5
		if rng != nil {
			factor += rng.Float64()
		}
		delay *= factor
	}
	return time.Duration(delay)
}
