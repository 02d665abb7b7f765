package adapter

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures capped exponential backoff with jitter
// (InitialInterval/BackoffCoefficient/MaximumInterval/MaximumAttempts),
// hand-rolled since the Adapter drives its own retry loop in-process
// instead of delegating to a workflow engine.
type RetryPolicy struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaximumInterval    time.Duration
	MaximumAttempts    int
	Jitter             float64 // fraction, e.g. 0.2 = ±20%
}

// DefaultRetryPolicy matches capped-exponential-backoff
// shape with a conservative ceiling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    30 * time.Second,
		MaximumAttempts:    5,
		Jitter:             0.2,
	}
}

// delay computes the sleep before retry attempt n (0-indexed):
// min(max_delay, initial_delay * backoff^attempt) * (1 ± jitter).
func (p RetryPolicy) delay(attempt int) time.Duration {
	raw := float64(p.InitialInterval) * math.Pow(p.BackoffCoefficient, float64(attempt))
	if max := float64(p.MaximumInterval); raw > max {
		raw = max
	}
	if p.Jitter > 0 {
		factor := 1 + (rand.Float64()*2-1)*p.Jitter
		raw *= factor
	}
	if raw < 0 {
		raw = 0
	}
	return time.Duration(raw)
}
