package repository

import (
	"context"

	"golang.org/x/time/rate"
)

// apiLimiter throttles calls to a hosting platform API.
// A nil limiter never blocks.
type apiLimiter struct {
	limiter *rate.Limiter
}

func newAPILimiter(rps float64) *apiLimiter {
	if rps <= 0 {
		return nil
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &apiLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (l *apiLimiter) wait(ctx context.Context) error {
	if l == nil {
		return ctx.Err()
	}
	return l.limiter.Wait(ctx)
}
