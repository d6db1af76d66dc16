package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gflowd/gflowd/internal/runtime"
	"github.com/gflowd/gflowd/internal/scheduler"
)

// ReservationHandler serves every /reservations route (spec.md §6).
type ReservationHandler struct {
	BaseHandler
	rt *runtime.Runtime
}

func NewReservationHandler(rt *runtime.Runtime) *ReservationHandler {
	return &ReservationHandler{rt: rt}
}

type reservationRequest struct {
	User           string         `json:"user"`
	RequestedCount *int           `json:"requested_count,omitempty"`
	Indices        []uint32       `json:"indices,omitempty"`
	Start          time.Time      `json:"start"`
	Duration       *time.Duration `json:"duration"`
}

// CreateReservation handles POST /reservations.
func (h *ReservationHandler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	if !writableOrReject(w) {
		return
	}
	var req reservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, scheduler.ErrInvalidInput)
		return
	}
	if req.Duration == nil {
		h.respondWithError(w, scheduler.ErrInvalidInput)
		return
	}
	count := 0
	if req.RequestedCount != nil {
		count = *req.RequestedCount
	}
	res, err := h.rt.CreateReservation(req.User, count, req.Indices, req.Start, *req.Duration)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusCreated, res)
}

// ListReservations handles GET /reservations?user=.
func (h *ReservationHandler) ListReservations(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	h.respondWithJSON(w, http.StatusOK, h.rt.ListReservations(user))
}

// GetReservation handles GET /reservations/:id.
func (h *ReservationHandler) GetReservation(w http.ResponseWriter, r *http.Request) {
	id, err := h.reservationID(r)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	res, ok := h.rt.Reservation(id)
	if !ok {
		h.respondWithError(w, scheduler.ErrNotFound)
		return
	}
	h.respondWithJSON(w, http.StatusOK, res)
}

// CancelReservation handles DELETE /reservations/:id.
func (h *ReservationHandler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	if !writableOrReject(w) {
		return
	}
	id, err := h.reservationID(r)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	res, ok := h.rt.CancelReservation(id)
	if !ok {
		h.respondWithError(w, scheduler.ErrNotFound)
		return
	}
	h.respondWithJSON(w, http.StatusOK, res)
}

func (h *ReservationHandler) reservationID(r *http.Request) (uint32, error) {
	raw := h.getID(r, "reservation_id")
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, scheduler.ErrInvalidInput
	}
	return uint32(n), nil
}
