package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fadebook/fadebook/services/booking-service/internal/availability"
	"github.com/fadebook/fadebook/services/booking-service/internal/committer"
	"github.com/fadebook/fadebook/services/booking-service/internal/model"
	"github.com/fadebook/fadebook/services/booking-service/internal/outbox"
	"github.com/fadebook/fadebook/services/booking-service/internal/reservation"
	"github.com/fadebook/fadebook/services/booking-service/internal/storage"
	"github.com/jackc/pgx/v5"
)

const (
	sessionHeader         = "X-Session-Id"
	defaultDurationMins   = 30
	maxServiceDuration    = 8 * time.Hour
	cancelStatusCompleted = model.StatusCompleted
)

// AppointmentStore is the slice of the ledger the handlers use directly
// (listing and cancellation; booking goes through the committer).
type AppointmentStore interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	GetAppointmentForUpdate(ctx context.Context, tx pgx.Tx, shopID, appointmentID string) (model.Appointment, error)
	CancelAppointment(ctx context.Context, tx pgx.Tx, shopID, appointmentID, reason string) (time.Time, error)
	ListByShop(ctx context.Context, shopID string, limit int) ([]model.Appointment, error)
}

type OutboxWriter interface {
	Insert(ctx context.Context, tx pgx.Tx, evt outbox.Event) error
}

type BookingHandler struct {
	calc      *availability.Calculator
	store     AppointmentStore
	outbox    OutboxWriter
	committer *committer.Committer
	claims    *reservation.Store // nil when the advisory channel is down
	registry  *reservation.Registry
	logger    *slog.Logger
}

func NewBookingHandler(
	calc *availability.Calculator,
	store AppointmentStore,
	outboxRepo OutboxWriter,
	bookingCommitter *committer.Committer,
	claims *reservation.Store,
	registry *reservation.Registry,
	logger *slog.Logger,
) *BookingHandler {
	return &BookingHandler{
		calc:      calc,
		store:     store,
		outbox:    outboxRepo,
		committer: bookingCommitter,
		claims:    claims,
		registry:  registry,
		logger:    logger,
	}
}

type slotItem struct {
	StartTime      string `json:"start_time"`
	EndTime        string `json:"end_time"`
	Available      bool   `json:"available"`
	Past           bool   `json:"past"`
	Busy           bool   `json:"busy"`
	ReservedByYou  bool   `json:"reserved_by_you"`
	ReservedByOther bool  `json:"reserved_by_other"`
}

type holdRequest struct {
	ShopID    string `json:"shop_id"`
	StaffID   string `json:"staff_id"`
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
}

type holdResponse struct {
	Held      bool   `json:"held"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

type bookRequest struct {
	ShopID          string `json:"shop_id"`
	ServiceID       string `json:"service_id"`
	StaffID         string `json:"staff_id"`
	CustomerName    string `json:"customer_name"`
	CustomerEmail   string `json:"customer_email"`
	CustomerPhone   string `json:"customer_phone"`
	StartTime       string `json:"start_time"`
	DurationMinutes int    `json:"duration_minutes"`
}

type bookResponse struct {
	AppointmentID string `json:"appointment_id"`
}

type cancelRequest struct {
	ShopID        string `json:"shop_id"`
	AppointmentID string `json:"appointment_id"`
	Reason        string `json:"reason"`
}

type cancelResponse struct {
	AppointmentID string `json:"appointment_id"`
	Status        string `json:"status"`
	CancelledAt   string `json:"cancelled_at"`
}

type listAppointmentItem struct {
	AppointmentID string `json:"appointment_id"`
	StaffID       string `json:"staff_id"`
	ServiceID     string `json:"service_id"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
	Status        string `json:"status"`
	CancelledAt   string `json:"cancelled_at,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// Slots returns the full grid for one staff+date with availability flags,
// merged with the advisory claim view. An empty grid is a normal response;
// a ledger failure is a 5xx, never an empty grid.
func (h *BookingHandler) Slots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	shopID := strings.TrimSpace(q.Get("shop_id"))
	staffID := strings.TrimSpace(q.Get("staff_id"))
	dateStr := strings.TrimSpace(q.Get("date"))
	if shopID == "" || staffID == "" || dateStr == "" {
		http.Error(w, "shop_id, staff_id and date are required", http.StatusBadRequest)
		return
	}

	day, err := time.ParseInLocation("2006-01-02", dateStr, time.UTC)
	if err != nil {
		http.Error(w, "invalid date", http.StatusBadRequest)
		return
	}

	duration := time.Duration(defaultDurationMins) * time.Minute
	if raw := strings.TrimSpace(q.Get("duration_minutes")); raw != "" {
		mins, err := strconv.Atoi(raw)
		if err != nil || mins <= 0 || time.Duration(mins)*time.Minute > maxServiceDuration {
			http.Error(w, "invalid duration_minutes", http.StatusBadRequest)
			return
		}
		duration = time.Duration(mins) * time.Minute
	}
	excludeID := strings.TrimSpace(q.Get("exclude_appointment_id"))

	grid, err := h.calc.ComputeGrid(r.Context(), shopID, staffID, day, duration, excludeID)
	if err != nil {
		h.logger.Error("slot grid computation failed", "err", err, "staff_id", staffID, "date", dateStr)
		http.Error(w, "failed to load availability", http.StatusServiceUnavailable)
		return
	}

	topic := reservation.Topic{ShopID: shopID, StaffID: staffID, Date: dateStr}
	h.overlayClaims(r.Context(), grid, topic, strings.TrimSpace(r.Header.Get(sessionHeader)))

	items := make([]slotItem, 0, len(grid))
	for _, slot := range grid {
		items = append(items, slotItem{
			StartTime:       slot.Start.UTC().Format(time.RFC3339),
			EndTime:         slot.Start.Add(duration).UTC().Format(time.RFC3339),
			Available:       slot.Available(),
			Past:            slot.Past,
			Busy:            slot.Busy,
			ReservedByYou:   slot.ClaimedBySelf,
			ReservedByOther: slot.ClaimedByOther,
		})
	}
	writeJSON(w, http.StatusOK, items)
}

// overlayClaims marks each slot with the advisory view. Claim-layer failures
// degrade to "no foreign holds" and never fail the grid.
func (h *BookingHandler) overlayClaims(ctx context.Context, grid []availability.Slot, topic reservation.Topic, sessionID string) {
	var others map[string]reservation.Claim
	var mine reservation.Claim
	var held bool

	if sessionID != "" {
		coord := h.registry.Coordinator(ctx, sessionID, topic)
		others = coord.View(ctx)
		mine, held = coord.Current()
	} else if h.claims != nil {
		snapshot, err := h.claims.Snapshot(ctx, topic)
		if err != nil {
			h.logger.Warn("claim snapshot failed; grid shows no holds", "err", err)
			return
		}
		others = snapshot
	}

	for i := range grid {
		if held && mine.StartTime.Equal(grid[i].Start) {
			grid[i].ClaimedBySelf = true
			continue
		}
		for _, claim := range others {
			if claim.StartTime.Equal(grid[i].Start) {
				grid[i].ClaimedByOther = true
				break
			}
		}
	}
}

// Hold places an advisory claim on a slot. It is optimistic: it succeeds
// even when another session already shows a claim there.
func (h *BookingHandler) Hold(w http.ResponseWriter, r *http.Request) {
	coord, req, ok := h.holdCoordinator(w, r)
	if !ok {
		return
	}
	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		http.Error(w, "invalid start_time", http.StatusBadRequest)
		return
	}

	resp := holdResponse{Held: coord.Claim(r.Context(), start)}
	if claim, ok := coord.Current(); ok {
		resp.ExpiresAt = claim.ExpiresAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *BookingHandler) RenewHold(w http.ResponseWriter, r *http.Request) {
	coord, _, ok := h.holdCoordinator(w, r)
	if !ok {
		return
	}
	resp := holdResponse{Held: coord.Renew(r.Context())}
	if claim, ok := coord.Current(); ok {
		resp.ExpiresAt = claim.ExpiresAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *BookingHandler) ReleaseHold(w http.ResponseWriter, r *http.Request) {
	coord, _, ok := h.holdCoordinator(w, r)
	if !ok {
		return
	}
	coord.Release(r.Context())
	writeJSON(w, http.StatusOK, holdResponse{Held: false})
}

func (h *BookingHandler) holdCoordinator(w http.ResponseWriter, r *http.Request) (*reservation.Coordinator, holdRequest, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil, holdRequest{}, false
	}
	sessionID := strings.TrimSpace(r.Header.Get(sessionHeader))
	if sessionID == "" {
		http.Error(w, sessionHeader+" header required", http.StatusBadRequest)
		return nil, holdRequest{}, false
	}

	var req holdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return nil, holdRequest{}, false
	}
	req.ShopID = strings.TrimSpace(req.ShopID)
	req.StaffID = strings.TrimSpace(req.StaffID)
	req.Date = strings.TrimSpace(req.Date)
	if req.ShopID == "" || req.StaffID == "" || req.Date == "" {
		http.Error(w, "shop_id, staff_id and date are required", http.StatusBadRequest)
		return nil, holdRequest{}, false
	}
	if _, err := time.ParseInLocation("2006-01-02", req.Date, time.UTC); err != nil {
		http.Error(w, "invalid date", http.StatusBadRequest)
		return nil, holdRequest{}, false
	}

	topic := reservation.Topic{ShopID: req.ShopID, StaffID: req.StaffID, Date: req.Date}
	return h.registry.Coordinator(r.Context(), sessionID, topic), req, true
}

// Book performs the authoritative commit. On conflict the session's claim is
// dropped and a 409 is returned; the client recomputes the grid and picks
// again. The same write is never retried here.
func (h *BookingHandler) Book(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req bookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.ShopID = strings.TrimSpace(req.ShopID)
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	req.StaffID = strings.TrimSpace(req.StaffID)
	req.CustomerName = strings.TrimSpace(req.CustomerName)
	if req.ShopID == "" || req.ServiceID == "" || req.StaffID == "" || req.CustomerName == "" {
		http.Error(w, "missing required fields", http.StatusBadRequest)
		return
	}

	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		http.Error(w, "invalid start_time", http.StatusBadRequest)
		return
	}
	if req.DurationMinutes <= 0 || time.Duration(req.DurationMinutes)*time.Minute > maxServiceDuration {
		http.Error(w, "invalid duration_minutes", http.StatusBadRequest)
		return
	}

	appt := &model.Appointment{
		ShopID:        req.ShopID,
		ServiceID:     req.ServiceID,
		StaffID:       req.StaffID,
		CustomerName:  req.CustomerName,
		CustomerEmail: strings.TrimSpace(req.CustomerEmail),
		CustomerPhone: strings.TrimSpace(req.CustomerPhone),
		StartTime:     start,
		EndTime:       start.Add(time.Duration(req.DurationMinutes) * time.Minute),
		Status:        model.StatusScheduled,
	}

	result, err := h.committer.Commit(r.Context(), appt, strings.TrimSpace(r.Header.Get("Idempotency-Key")))
	if err != nil {
		h.logger.Error("booking commit failed", "err", err, "staff_id", appt.StaffID)
		http.Error(w, "failed to book appointment", http.StatusInternalServerError)
		return
	}

	// Whatever the outcome, the session's advisory hold is now stale:
	// booked means the slot vanishes from recomputed grids, conflict means
	// the claim must not be kept alive for a slot someone else won.
	if sessionID := strings.TrimSpace(r.Header.Get(sessionHeader)); sessionID != "" {
		topic := reservation.Topic{ShopID: appt.ShopID, StaffID: appt.StaffID, Date: start.UTC().Format("2006-01-02")}
		h.registry.Coordinator(r.Context(), sessionID, topic).Release(r.Context())
	}

	if !result.Booked() {
		http.Error(w, result.Reason, http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusCreated, bookResponse{AppointmentID: result.AppointmentID})
}

func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.ShopID = strings.TrimSpace(req.ShopID)
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.ShopID == "" || req.AppointmentID == "" {
		http.Error(w, "shop_id and appointment_id required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tx, err := h.store.Begin(ctx)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	appt, err := h.store.GetAppointmentForUpdate(ctx, tx, req.ShopID, req.AppointmentID)
	if err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "appointment not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load appointment", http.StatusInternalServerError)
		return
	}

	if appt.Status == model.StatusCancelled && appt.CancelledAt != nil {
		h.writeCancelResponse(w, appt.ID, appt.CancelledAt.UTC())
		return
	}
	if appt.Status == cancelStatusCompleted {
		http.Error(w, "appointment cannot be cancelled", http.StatusConflict)
		return
	}

	cancelledAt, err := h.store.CancelAppointment(ctx, tx, req.ShopID, appt.ID, req.Reason)
	if err != nil {
		http.Error(w, "failed to cancel appointment", http.StatusInternalServerError)
		return
	}

	payload, err := json.Marshal(map[string]any{
		"appointment_id": appt.ID,
		"shop_id":        appt.ShopID,
		"staff_id":       appt.StaffID,
		"service_id":     appt.ServiceID,
		"start_time":     appt.StartTime.UTC().Format(time.RFC3339),
		"end_time":       appt.EndTime.UTC().Format(time.RFC3339),
		"cancelled_at":   cancelledAt.UTC().Format(time.RFC3339),
		"reason":         req.Reason,
	})
	if err != nil {
		http.Error(w, "failed to build cancellation event", http.StatusInternalServerError)
		return
	}
	if err := h.outbox.Insert(ctx, tx, outbox.Event{
		AggregateType: "appointment",
		AggregateID:   appt.ID,
		EventType:     outbox.EventAppointmentCancelled,
		Payload:       payload,
	}); err != nil {
		http.Error(w, "failed to write outbox event", http.StatusInternalServerError)
		return
	}

	if err := tx.Commit(ctx); err != nil {
		http.Error(w, "failed to commit", http.StatusInternalServerError)
		return
	}
	h.writeCancelResponse(w, appt.ID, cancelledAt.UTC())
}

func (h *BookingHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	shopID := strings.TrimSpace(r.Header.Get("X-Shop-Id"))
	if shopID == "" {
		shopID = strings.TrimSpace(r.URL.Query().Get("shop_id"))
	}
	if shopID == "" {
		http.Error(w, "shop_id required", http.StatusBadRequest)
		return
	}

	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	appts, err := h.store.ListByShop(r.Context(), shopID, limit)
	if err != nil {
		http.Error(w, "failed to list appointments", http.StatusInternalServerError)
		return
	}

	items := make([]listAppointmentItem, 0, len(appts))
	for _, appt := range appts {
		item := listAppointmentItem{
			AppointmentID: appt.ID,
			StaffID:       appt.StaffID,
			ServiceID:     appt.ServiceID,
			StartTime:     appt.StartTime.UTC().Format(time.RFC3339),
			EndTime:       appt.EndTime.UTC().Format(time.RFC3339),
			Status:        appt.Status,
			CreatedAt:     appt.CreatedAt.UTC().Format(time.RFC3339),
		}
		if appt.CancelledAt != nil {
			item.CancelledAt = appt.CancelledAt.UTC().Format(time.RFC3339)
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *BookingHandler) writeCancelResponse(w http.ResponseWriter, appointmentID string, cancelledAt time.Time) {
	writeJSON(w, http.StatusOK, cancelResponse{
		AppointmentID: appointmentID,
		Status:        model.StatusCancelled,
		CancelledAt:   cancelledAt.Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
