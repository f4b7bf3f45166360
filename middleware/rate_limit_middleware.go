package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitMiddleware admits calls with a token bucket of r calls per second
// and the given burst. Rejected calls never reach their handler.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *CallInfo) error {
			if !limiter.Allow() {
				return ErrRateLimited
			}
			return next(ctx, call)
		}
	}
}
