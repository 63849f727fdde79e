// Package audit records operational signals such as dead-letters and queue
// depth warnings, with enough context (job id, device id, retry count,
// error text) to support replay and forensic review.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types emitted by the ingestion pipeline.
const (
	EventDeadLetter = "dead-letter"
	EventQueueDepth = "queue-depth-warning"
)

// Event is one operational audit record.
type Event struct {
	ID         uuid.UUID `json:"id"`
	Type       string    `json:"event_type"`
	JobID      string    `json:"job_id,omitempty"`
	DeviceID   string    `json:"device_id,omitempty"`
	RetryCount int       `json:"retry_count,omitempty"`
	QueueDepth int       `json:"queue_depth,omitempty"`
	ErrorText  string    `json:"error_text,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Sink persists operational audit events.
type Sink interface {
	Record(ctx context.Context, event *Event) error
}

// NewDeadLetterEvent builds the audit event for a job that exhausted its
// retry budget.
func NewDeadLetterEvent(jobID, deviceID string, retryCount int, errText string) *Event {
	return &Event{
		ID:         uuid.New(),
		Type:       EventDeadLetter,
		JobID:      jobID,
		DeviceID:   deviceID,
		RetryCount: retryCount,
		ErrorText:  errText,
		RecordedAt: time.Now().UTC(),
	}
}

// NewQueueDepthEvent builds the audit event for a queue depth warning.
func NewQueueDepthEvent(depth int) *Event {
	return &Event{
		ID:         uuid.New(),
		Type:       EventQueueDepth,
		QueueDepth: depth,
		RecordedAt: time.Now().UTC(),
	}
}

// LogSink writes audit events to the structured log only.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a Sink that records events through zerolog.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Record(_ context.Context, event *Event) error {
	s.logger.Warn().
		Str("event_type", event.Type).
		Str("job_id", event.JobID).
		Str("device_id", event.DeviceID).
		Int("retry_count", event.RetryCount).
		Int("queue_depth", event.QueueDepth).
		Str("error", event.ErrorText).
		Msg("operational event")
	return nil
}
