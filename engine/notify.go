package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/cfteam/coordinator/types"
)

// NotificationSink receives terminal session status changes for
// external alerting. Implementations must tolerate being called once
// per session from the engine's worker goroutines.
type NotificationSink interface {
	NotifySessionTerminal(ctx context.Context, view *types.SessionView)
}

// LoggingSink is the default sink: it writes terminal transitions to
// the log and nothing else.
type LoggingSink struct {
	logger *zap.Logger
}

// NewLoggingSink creates a sink logging through the given logger.
func NewLoggingSink(logger *zap.Logger) *LoggingSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingSink{logger: logger.With(zap.String("component", "notification_sink"))}
}

// NotifySessionTerminal implements NotificationSink.
func (s *LoggingSink) NotifySessionTerminal(_ context.Context, view *types.SessionView) {
	fields := []zap.Field{
		zap.String("session", view.Session.ID),
		zap.String("status", string(view.Status)),
	}
	for _, f := range view.Failures {
		fields = append(fields, zap.String("failed_task_"+f.TaskID, string(f.ErrorCode)))
	}
	s.logger.Info("session reached terminal status", fields...)
}
