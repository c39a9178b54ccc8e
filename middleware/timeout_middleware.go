package middleware

import (
	"context"
	"fmt"
	"time"

	"simrig/ops"
)

// Timeout bounds each op with its own deadline. On expiry the op keeps
// running in its goroutine and its eventual response is discarded; the
// client gets a timeout error for this id.
func Timeout(timeout time.Duration) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *ops.Request) *ops.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *ops.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return ops.Fail(req.ID, ops.KindTimeout,
					fmt.Sprintf("op %s did not finish within %s", req.Op, timeout))
			}
		}
	}
}
