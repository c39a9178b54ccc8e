// Package middleware composes the gateway's op pipeline. A Handler
// turns one ops request into one response; middleware wrap a Handler
// without knowing what runs underneath.
package middleware

import (
	"context"

	"simrig/ops"
)

type Handler func(ctx context.Context, req *ops.Request) *ops.Response

type Middleware func(next Handler) Handler

// Chain combines middlewares into one; the first argument ends up
// outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
