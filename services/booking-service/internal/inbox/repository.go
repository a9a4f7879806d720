// Package inbox records consumed event ids so redelivered Kafka messages are
// processed at most once.
package inbox

import (
	"context"

	"github.com/fadebook/fadebook/libs/db"
)

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Record claims an event id. It returns true exactly once per id; a
// redelivery hits the conflict clause and returns false.
func (r *Repository) Record(ctx context.Context, eventID, eventType string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO inbox_events (event_id, event_type)
		 VALUES ($1, $2)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
