package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"simrig/ops"
)

// RateLimit rejects ops beyond the limiter's budget instead of queuing
// them. The client sees a response for the frame either way.
func RateLimit(limiter *rate.Limiter) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *ops.Request) *ops.Response {
			if !limiter.Allow() {
				return ops.Fail(req.ID, ops.KindBadRequest, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
