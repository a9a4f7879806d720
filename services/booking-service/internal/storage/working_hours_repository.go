package storage

import (
	"context"
	"errors"
	"time"

	"github.com/fadebook/fadebook/libs/db"
	"github.com/fadebook/fadebook/services/booking-service/internal/model"
	"github.com/jackc/pgx/v5"
)

// WorkingHoursRepository reads staff working windows maintained by the admin
// console (which owns writes; this service only consumes them).
type WorkingHoursRepository struct {
	pool *db.Pool
}

func NewWorkingHoursRepository(pool *db.Pool) *WorkingHoursRepository {
	return &WorkingHoursRepository{pool: pool}
}

// WorkingWindow returns the window for one staff member and weekday.
// The second return value is false when no window is configured, a valid
// "closed that day" state, not an error.
func (r *WorkingHoursRepository) WorkingWindow(ctx context.Context, shopID, staffID string, weekday time.Weekday) (model.WorkingWindow, bool, error) {
	var w model.WorkingWindow
	err := r.pool.QueryRow(ctx, `
		SELECT h.staff_id::text, h.weekday, h.is_active, h.open_minute, h.close_minute
		FROM staff_working_hours h
		JOIN staff s ON s.id = h.staff_id
		WHERE s.shop_id = $1 AND h.staff_id = $2 AND h.weekday = $3
	`, shopID, staffID, int(weekday)).Scan(&w.StaffID, &w.Weekday, &w.IsActive, &w.OpenMinute, &w.CloseMinute)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkingWindow{}, false, nil
	}
	if err != nil {
		return model.WorkingWindow{}, false, err
	}
	return w, true, nil
}
