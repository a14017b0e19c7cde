package channel

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Limited throttles a sender with a token bucket. Waiting for a token counts
// against the send timeout.
type Limited struct {
	next    Sender
	limiter *rate.Limiter
}

// WithRateLimit wraps s. A non-positive perSec disables limiting.
func WithRateLimit(s Sender, perSec float64, burst int) *Limited {
	l := &Limited{next: s, limiter: rate.NewLimiter(rate.Inf, 1)}
	l.SetLimit(perSec, burst)
	return l
}

// SetLimit changes the rate at runtime.
func (l *Limited) SetLimit(perSec float64, burst int) {
	if burst <= 0 {
		burst = 1
	}
	lim := rate.Inf
	if perSec > 0 {
		lim = rate.Limit(perSec)
	}
	l.limiter.SetLimit(lim)
	l.limiter.SetBurst(burst)
}

func (l *Limited) Send(ctx context.Context, d Delivery) (bool, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return false, fmt.Errorf("rate limit: %w", err)
	}
	return l.next.Send(ctx, d)
}
