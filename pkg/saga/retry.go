package saga

import (
	"time"

	"github.com/cenkalti/backoff"
)

// RetryPolicy bounds step retries. A failing step is retried MaxRetries times,
// each retry scheduled after min(MaxDelay, InitialDelay*Multiplier^(n-1)).
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy 默认重试策略
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:   3,
	InitialDelay: time.Second,
	Multiplier:   2,
	MaxDelay:     30 * time.Second,
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultRetryPolicy.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxDelay <= 0 || p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	return p
}

// Delay returns the wait before retry number retryCount (1-based).
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	p = p.normalized()
	if retryCount < 1 {
		retryCount = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < retryCount; i++ {
		d = b.NextBackOff()
		if d == p.MaxDelay {
			break
		}
	}
	return d
}

// ShouldRetry reports whether a step that has failed retryCount times gets another attempt.
func (p RetryPolicy) ShouldRetry(retryCount int) bool {
	return retryCount <= p.normalized().MaxRetries
}
