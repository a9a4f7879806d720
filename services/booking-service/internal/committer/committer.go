package committer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fadebook/fadebook/services/booking-service/internal/model"
	"github.com/fadebook/fadebook/services/booking-service/internal/outbox"
	"github.com/fadebook/fadebook/services/booking-service/internal/storage"
	"github.com/jackc/pgx/v5"
)

// Ledger is the slice of the appointment store the committer needs: a
// transaction, the one conditional insert, and idempotency bookkeeping.
type Ledger interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	InsertIfFree(ctx context.Context, tx pgx.Tx, appt *model.Appointment) (string, error)
	LockIdempotencyKey(ctx context.Context, tx pgx.Tx, shopID, key string) (storage.IdempotencyRecord, bool, error)
	FinalizeIdempotency(ctx context.Context, tx pgx.Tx, shopID, key, appointmentID string, statusCode int, response []byte) error
}

type OutboxWriter interface {
	Insert(ctx context.Context, tx pgx.Tx, evt outbox.Event) error
}

type Outcome int

const (
	OutcomeBooked Outcome = iota + 1
	OutcomeConflict
)

// Result is the closed outcome of a commit attempt. A conflict is expected
// and recoverable: the caller drops its claim and recomputes the grid. The
// identical write is never retried automatically.
type Result struct {
	Outcome       Outcome
	AppointmentID string
	Reason        string
	Replayed      bool
}

func (r Result) Booked() bool {
	return r.Outcome == OutcomeBooked
}

// Committer performs the final authoritative write. The advisory claim layer
// only narrows the race window; this conditional insert is what actually
// prevents a double booking.
type Committer struct {
	Ledger Ledger
	Outbox OutboxWriter
	Logger *slog.Logger
}

// Commit books the appointment if its span is still free. idempotencyKey may
// be empty; when set, a replayed key returns the originally booked result
// without touching the ledger again. Only transport/storage failures return
// an error; a lost race returns a Conflict result.
func (c *Committer) Commit(ctx context.Context, appt *model.Appointment, idempotencyKey string) (Result, error) {
	if !appt.EndTime.After(appt.StartTime) {
		return Result{}, fmt.Errorf("appointment end %s not after start %s", appt.EndTime, appt.StartTime)
	}
	if appt.Status == "" {
		appt.Status = model.StatusScheduled
	}

	tx, err := c.Ledger.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("begin commit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if idempotencyKey != "" {
		rec, exists, err := c.Ledger.LockIdempotencyKey(ctx, tx, appt.ShopID, idempotencyKey)
		if err != nil {
			return Result{}, fmt.Errorf("lock idempotency key: %w", err)
		}
		if exists && rec.AppointmentID != "" && rec.StatusCode == http.StatusCreated {
			return Result{Outcome: OutcomeBooked, AppointmentID: rec.AppointmentID, Replayed: true}, nil
		}
	}

	id, err := c.Ledger.InsertIfFree(ctx, tx, appt)
	if errors.Is(err, storage.ErrSlotTaken) || storage.IsConflict(err) {
		// Conflict rolls everything back, idempotency row included, so the
		// client may reuse the key for a different slot.
		return Result{Outcome: OutcomeConflict, Reason: "time slot already booked"}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("insert appointment: %w", err)
	}

	payload, err := json.Marshal(map[string]any{
		"appointment_id": id,
		"shop_id":        appt.ShopID,
		"staff_id":       appt.StaffID,
		"service_id":     appt.ServiceID,
		"customer_email": appt.CustomerEmail,
		"customer_phone": appt.CustomerPhone,
		"start_time":     appt.StartTime.UTC().Format(time.RFC3339),
		"end_time":       appt.EndTime.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return Result{}, fmt.Errorf("build booked event: %w", err)
	}
	if err := c.Outbox.Insert(ctx, tx, outbox.Event{
		AggregateType: "appointment",
		AggregateID:   id,
		EventType:     outbox.EventAppointmentBooked,
		Payload:       payload,
	}); err != nil {
		return Result{}, fmt.Errorf("write outbox event: %w", err)
	}

	if idempotencyKey != "" {
		response, err := json.Marshal(map[string]string{"appointment_id": id})
		if err != nil {
			return Result{}, fmt.Errorf("build idempotency response: %w", err)
		}
		if err := c.Ledger.FinalizeIdempotency(ctx, tx, appt.ShopID, idempotencyKey, id, http.StatusCreated, response); err != nil {
			return Result{}, fmt.Errorf("finalize idempotency key: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("commit booking: %w", err)
	}
	return Result{Outcome: OutcomeBooked, AppointmentID: id}, nil
}
