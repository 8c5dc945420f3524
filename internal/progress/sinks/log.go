package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/RegardV/JournalCraftCrew-sub002/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. It is
// useful during development or audits where no external mirror is wired.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.Uint64("sequence", evt.Sequence),
			zap.String("stage", string(evt.Stage)),
			zap.String("phase", evt.PhaseLabel),
			zap.String("agent", evt.Agent),
			zap.Int("percent", evt.Percent),
		}
		if evt.Error != "" {
			fields = append(fields,
				zap.String("error", evt.Error),
				zap.String("error_kind", string(evt.ErrorKind)),
			)
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
