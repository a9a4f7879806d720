package outbox

import (
	"context"
	"time"

	"github.com/fadebook/fadebook/libs/db"
	otelx "github.com/fadebook/fadebook/libs/otel"
	"github.com/jackc/pgx/v5"
)

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert stages an event in the same transaction as the domain write. The
// current trace context rides along so the eventual Kafka message continues
// the booking request's trace.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, evt Event) error {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	_, err := tx.Exec(ctx,
		`INSERT INTO outbox_events (aggregate_type, aggregate_id, event_type, payload, traceparent, tracestate)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		evt.AggregateType, evt.AggregateID, evt.EventType, evt.Payload, traceparent, tracestate)
	return err
}

// PendingEvent is one staged row awaiting publication.
type PendingEvent struct {
	ID            int64
	EventID       string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Traceparent   string
	Tracestate    string
	CreatedAt     time.Time
}

// Pending locks up to limit unpublished rows for this transaction. SKIP
// LOCKED lets several publisher replicas drain concurrently without
// double-sending.
func (r *Repository) Pending(ctx context.Context, tx pgx.Tx, limit int) ([]PendingEvent, error) {
	rows, err := tx.Query(ctx,
		`SELECT id, event_id, aggregate_type, aggregate_id, event_type, payload, traceparent, tracestate, created_at
		 FROM outbox_events
		 WHERE published_at IS NULL
		 ORDER BY id
		 LIMIT $1
		 FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []PendingEvent
	for rows.Next() {
		var evt PendingEvent
		err := rows.Scan(&evt.ID, &evt.EventID, &evt.AggregateType, &evt.AggregateID,
			&evt.EventType, &evt.Payload, &evt.Traceparent, &evt.Tracestate, &evt.CreatedAt)
		if err != nil {
			return nil, err
		}
		pending = append(pending, evt)
	}
	return pending, rows.Err()
}

func (r *Repository) MarkSent(ctx context.Context, tx pgx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx,
		`UPDATE outbox_events SET published_at = now() WHERE id = ANY($1)`, ids)
	return err
}
