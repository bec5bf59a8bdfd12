package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/hanko-field/orders/internal/platform/requestctx"
)

// LogSink writes events to the structured log instead of a broker. Used for local runs.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink constructs a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Send logs msg at info level.
func (s *LogSink) Send(ctx context.Context, msg Message) error {
	logger := requestctx.LoggerOr(ctx, s.logger)
	logger.Info("domain event",
		zap.String("event_id", msg.ID),
		zap.String("key", msg.Key),
		zap.Any("attributes", msg.Attributes),
		zap.ByteString("payload", msg.Data))
	return nil
}

// Close is a no-op.
func (s *LogSink) Close() error { return nil }
