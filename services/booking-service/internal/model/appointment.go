package model

import "time"

const (
	StatusScheduled = "scheduled"
	StatusConfirmed = "confirmed"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

type Appointment struct {
	ID            string
	ShopID        string
	ServiceID     string
	StaffID       string
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
	StartTime     time.Time
	EndTime       time.Time
	Status        string
	CancelledAt   *time.Time
	CancelReason  string
	CreatedAt     time.Time
}

// Occupies reports whether the appointment blocks its time slot.
// Cancelled appointments never do.
func (a Appointment) Occupies() bool {
	return a.Status != StatusCancelled
}

// WorkingWindow is one staff member's hours for one weekday (0 = Sunday).
// Open/close are minutes since midnight, matching the staff_working_hours table.
type WorkingWindow struct {
	StaffID     string
	Weekday     int
	IsActive    bool
	OpenMinute  int
	CloseMinute int
}
