package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *CallInfo) error {
			start := time.Now()
			err := next(ctx, call)

			fields := []zap.Field{
				zap.String("method", call.Method),
				zap.Stringer("shape", call.Shape),
				zap.String("call_id", call.CallID),
				zap.Duration("duration", time.Since(start)),
			}
			if call.Peer != nil {
				fields = append(fields, zap.Stringer("peer", call.Peer))
			}
			if err != nil {
				logger.Warn("call failed", append(fields, zap.Error(err))...)
				return err
			}
			logger.Info("call handled", fields...)
			return nil
		}
	}
}
