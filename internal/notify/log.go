package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes notifications to the logger. Used when the bot is
// disabled and as the fallback sink in tests.
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

// NotifyUser implements Sink.
func (s *LogSink) NotifyUser(_ context.Context, chatID int64, text string) error {
	s.logger.Info("user notification",
		zap.Int64("chat_id", chatID),
		zap.String("text", text),
	)
	return nil
}

// NotifyAdmin implements Sink.
func (s *LogSink) NotifyAdmin(_ context.Context, text string) error {
	s.logger.Info("admin notification", zap.String("text", text))
	return nil
}
