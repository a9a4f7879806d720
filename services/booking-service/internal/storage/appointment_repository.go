package storage

import (
	"context"
	"errors"
	"time"

	"github.com/fadebook/fadebook/libs/db"
	"github.com/fadebook/fadebook/services/booking-service/internal/availability"
	"github.com/fadebook/fadebook/services/booking-service/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrSlotTaken is returned by InsertIfFree when an overlapping non-cancelled
// appointment already occupies the requested span.
var ErrSlotTaken = errors.New("slot already taken")

// AppointmentRepository is the authoritative appointment ledger.
type AppointmentRepository struct {
	pool *db.Pool
}

type IdempotencyRecord struct {
	ShopID          string
	IdempotencyKey  string
	AppointmentID   string
	StatusCode      int
	ResponsePayload []byte
}

func NewAppointmentRepository(pool *db.Pool) *AppointmentRepository {
	return &AppointmentRepository{pool: pool}
}

func (r *AppointmentRepository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// InsertIfFree inserts the appointment if and only if no overlapping
// non-cancelled appointment exists for the same staff member: one
// conditional statement, never read-then-write. Overlap uses the same rule
// as the slot grid: each existing appointment blocks its duration plus the
// cleanup buffer, rounded up to the slot stride. The exclusion constraint on
// the appointments table is the backstop for anything this predicate misses
// under concurrency; both paths surface as a conflict.
func (r *AppointmentRepository) InsertIfFree(ctx context.Context, tx pgx.Tx, appt *model.Appointment) (string, error) {
	bufferMins := int(availability.CleanupBuffer / time.Minute)
	strideMins := int(availability.SlotStride / time.Minute)

	var id string
	err := tx.QueryRow(ctx, `
		INSERT INTO appointments
			(shop_id, service_id, staff_id, customer_name, customer_email, customer_phone, start_time, end_time, status)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9
		WHERE NOT EXISTS (
			SELECT 1
			FROM appointments a
			WHERE a.shop_id = $1
				AND a.staff_id = $3
				AND a.status <> 'cancelled'
				AND a.start_time < $8
				AND $7 < a.start_time + make_interval(mins =>
					(ceil((extract(epoch FROM (a.end_time - a.start_time)) / 60 + $10) / $11) * $11)::int)
		)
		RETURNING id
	`, appt.ShopID, appt.ServiceID, appt.StaffID, appt.CustomerName, appt.CustomerEmail, appt.CustomerPhone,
		appt.StartTime, appt.EndTime, appt.Status, bufferMins, strideMins).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrSlotTaken
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// ListForDay returns the appointments on the books for one staff member and
// calendar day, cancelled rows included (callers filter with Occupies).
// excludeID skips one appointment, used while rescheduling it.
func (r *AppointmentRepository) ListForDay(ctx context.Context, shopID, staffID string, day time.Time, excludeID string) ([]model.Appointment, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)

	rows, err := r.pool.Query(ctx, `
		SELECT id, shop_id, service_id, staff_id, customer_name, customer_email, customer_phone,
			start_time, end_time, status, cancelled_at, COALESCE(cancellation_reason, ''), created_at
		FROM appointments
		WHERE shop_id = $1
			AND staff_id = $2
			AND start_time >= $3
			AND start_time < $4
			AND ($5 = '' OR id::text <> $5)
		ORDER BY start_time ASC
	`, shopID, staffID, dayStart, dayEnd, excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAppointments(rows)
}

func (r *AppointmentRepository) GetAppointmentForUpdate(ctx context.Context, tx pgx.Tx, shopID, appointmentID string) (model.Appointment, error) {
	var appt model.Appointment
	var cancelledAt *time.Time
	err := tx.QueryRow(ctx, `
		SELECT id, shop_id, service_id, staff_id, customer_name, customer_email, customer_phone,
			start_time, end_time, status, cancelled_at, COALESCE(cancellation_reason, ''), created_at
		FROM appointments
		WHERE id = $1 AND shop_id = $2
		FOR UPDATE
	`, appointmentID, shopID).Scan(
		&appt.ID,
		&appt.ShopID,
		&appt.ServiceID,
		&appt.StaffID,
		&appt.CustomerName,
		&appt.CustomerEmail,
		&appt.CustomerPhone,
		&appt.StartTime,
		&appt.EndTime,
		&appt.Status,
		&cancelledAt,
		&appt.CancelReason,
		&appt.CreatedAt,
	)
	if err != nil {
		return model.Appointment{}, err
	}
	appt.CancelledAt = cancelledAt
	return appt, nil
}

func (r *AppointmentRepository) CancelAppointment(ctx context.Context, tx pgx.Tx, shopID, appointmentID, reason string) (time.Time, error) {
	var cancelledAt time.Time
	err := tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'cancelled',
			cancelled_at = now(),
			cancellation_reason = $3
		WHERE id = $1 AND shop_id = $2
		RETURNING cancelled_at
	`, appointmentID, shopID, reason).Scan(&cancelledAt)
	return cancelledAt, err
}

func (r *AppointmentRepository) ListByShop(ctx context.Context, shopID string, limit int) ([]model.Appointment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, shop_id, service_id, staff_id, customer_name, customer_email, customer_phone,
			start_time, end_time, status, cancelled_at, COALESCE(cancellation_reason, ''), created_at
		FROM appointments
		WHERE shop_id = $1
		ORDER BY start_time DESC
		LIMIT $2
	`, shopID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAppointments(rows)
}

func (r *AppointmentRepository) LockIdempotencyKey(ctx context.Context, tx pgx.Tx, shopID, key string) (IdempotencyRecord, bool, error) {
	rec, err := r.selectIdempotencyForUpdate(ctx, tx, shopID, key)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return IdempotencyRecord{}, false, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO booking_idempotency_keys (shop_id, idempotency_key)
		VALUES ($1, $2)
		ON CONFLICT (shop_id, idempotency_key) DO NOTHING
	`, shopID, key)
	if err != nil {
		return IdempotencyRecord{}, false, err
	}

	rec, err = r.selectIdempotencyForUpdate(ctx, tx, shopID, key)
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	return rec, false, nil
}

func (r *AppointmentRepository) FinalizeIdempotency(ctx context.Context, tx pgx.Tx, shopID, key, appointmentID string, statusCode int, response []byte) error {
	_, err := tx.Exec(ctx, `
		UPDATE booking_idempotency_keys
		SET appointment_id = $3,
			status_code = $4,
			response_payload = $5,
			updated_at = now()
		WHERE shop_id = $1 AND idempotency_key = $2
	`, shopID, key, appointmentID, statusCode, response)
	return err
}

// IsConflict matches the storage-level double-booking backstops: the
// exclusion constraint on overlapping spans (23P01) and the unique slot
// index (23505).
func IsConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23P01" || pgErr.Code == "23505"
}

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func scanAppointments(rows pgx.Rows) ([]model.Appointment, error) {
	var appts []model.Appointment
	for rows.Next() {
		var appt model.Appointment
		var cancelledAt *time.Time
		if err := rows.Scan(
			&appt.ID,
			&appt.ShopID,
			&appt.ServiceID,
			&appt.StaffID,
			&appt.CustomerName,
			&appt.CustomerEmail,
			&appt.CustomerPhone,
			&appt.StartTime,
			&appt.EndTime,
			&appt.Status,
			&cancelledAt,
			&appt.CancelReason,
			&appt.CreatedAt,
		); err != nil {
			return nil, err
		}
		appt.CancelledAt = cancelledAt
		appts = append(appts, appt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return appts, nil
}

func (r *AppointmentRepository) selectIdempotencyForUpdate(ctx context.Context, tx pgx.Tx, shopID, key string) (IdempotencyRecord, error) {
	var rec IdempotencyRecord
	var responseText string
	err := tx.QueryRow(ctx, `
		SELECT shop_id::text,
			idempotency_key,
			COALESCE(appointment_id::text, ''),
			COALESCE(status_code, 0),
			COALESCE(response_payload::text, '')
		FROM booking_idempotency_keys
		WHERE shop_id = $1 AND idempotency_key = $2
		FOR UPDATE
	`, shopID, key).Scan(
		&rec.ShopID,
		&rec.IdempotencyKey,
		&rec.AppointmentID,
		&rec.StatusCode,
		&responseText,
	)
	if err != nil {
		return IdempotencyRecord{}, err
	}
	if responseText != "" {
		rec.ResponsePayload = []byte(responseText)
	}
	return rec, nil
}
