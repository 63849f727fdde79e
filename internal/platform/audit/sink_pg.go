package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGSink persists audit events to the operational_event table.
type PGSink struct {
	pool *pgxpool.Pool
}

// NewPGSink creates a Sink backed by the given connection pool.
func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool}
}

func (s *PGSink) Record(ctx context.Context, event *Event) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO operational_event (id, event_type, job_id, device_id, retry_count, queue_depth, error_text, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		event.ID, event.Type, event.JobID, event.DeviceID,
		event.RetryCount, event.QueueDepth, event.ErrorText, event.RecordedAt)
	if err != nil {
		return fmt.Errorf("record operational event: %w", err)
	}
	return nil
}
