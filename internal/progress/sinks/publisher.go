package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/RegardV/JournalCraftCrew-sub002/internal/journal"
	"github.com/RegardV/JournalCraftCrew-sub002/internal/progress"
)

// PublisherSink mirrors progress events to an external delivery channel
// (e.g. a Pub/Sub topic) so downstream systems can follow job lifecycles
// without attaching to the in-process broadcast.
type PublisherSink struct {
	publisher journal.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublisherSink wires a publisher and target topic to the sink interface.
func NewPublisherSink(publisher journal.Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes one message per event. Publish failures abort the
// batch so the hub can log them; events are fire-and-forget beyond that.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	for _, evt := range batch {
		payload := map[string]any{
			"job_id":    evt.JobID,
			"sequence":  evt.Sequence,
			"stage":     string(evt.Stage),
			"phase":     evt.PhaseLabel,
			"agent":     evt.Agent,
			"percent":   evt.Percent,
			"timestamp": evt.TS.Format(time.RFC3339),
		}
		if evt.Error != "" {
			payload["error"] = evt.Error
			payload["error_kind"] = string(evt.ErrorKind)
		}
		if evt.Terminal() && len(evt.Payload) > 0 {
			payload["result"] = evt.Payload
		}
		if _, err := s.publisher.Publish(ctx, s.topic, payload); err != nil {
			return fmt.Errorf("publish progress event: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
