package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"simrig/ops"
)

// Logging reports every op with its duration and outcome.
func Logging(log *zap.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *ops.Request) *ops.Response {
			start := time.Now()
			resp := next(ctx, req)

			fields := []zap.Field{
				zap.String("op", req.Op),
				zap.Int64("id", req.ID),
				zap.Duration("duration", time.Since(start)),
			}
			if req.Session != "" {
				fields = append(fields, zap.String("session", req.Session))
			}
			if resp.Error != nil {
				fields = append(fields,
					zap.String("kind", resp.Error.Kind),
					zap.String("error", resp.Error.Message))
				log.Warn("op failed", fields...)
			} else {
				log.Info("op served", fields...)
			}
			return resp
		}
	}
}
