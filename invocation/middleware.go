// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package invocation

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/oilmq/codec"
	"github.com/absmach/oilmq/server/otel"
)

// callFunc runs one request against the broker.
type callFunc func(s *session, ctx context.Context) (any, error)

// chain wraps every handler with the logging and metrics middleware.
func chain(metrics *otel.Metrics) map[codec.Opcode]callFunc {
	calls := make(map[codec.Opcode]callFunc, len(handlers))
	for op, h := range handlers {
		fn := withLogging(op, h.fn)
		if metrics != nil {
			fn = withMetrics(op, metrics, fn)
		}
		calls[op] = fn
	}
	return calls
}

// withLogging logs each request with its duration and outcome.
func withLogging(op codec.Opcode, next callFunc) callFunc {
	return func(s *session, ctx context.Context) (res any, err error) {
		defer func(begin time.Time) {
			s.logger.Debug("request",
				slog.String("op", op.String()),
				slog.String("duration", time.Since(begin).String()),
				slog.Any("error", err),
			)
		}(time.Now())
		return next(s, ctx)
	}
}

// withMetrics records the duration of each request.
func withMetrics(op codec.Opcode, m *otel.Metrics, next callFunc) callFunc {
	name := op.String()
	return func(s *session, ctx context.Context) (res any, err error) {
		defer func(begin time.Time) {
			m.RecordRequest(name, float64(time.Since(begin).Microseconds())/1000, err != nil)
		}(time.Now())
		return next(s, ctx)
	}
}
