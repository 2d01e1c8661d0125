package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/teleagent/internal/booking"
)

// Booking routes answer with the {success, data, count, error} envelope the
// booking HTTP client expects.

func (s *Server) handleBookingHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "OK",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Seconds(),
	})
}

func (s *Server) handleAvailableSlots(w http.ResponseWriter, r *http.Request) {
	slots, err := s.deps.Booking.ListAvailableSlots(r.Context())
	if err != nil {
		s.bookingFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(slots),
		"data":    nonNil(slots),
	})
}

func (s *Server) handleSlotsByDate(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")
	if !booking.ValidDate(date) {
		respondBookingError(w, http.StatusBadRequest, "Formato data non valido. Usa YYYY-MM-DD")
		return
	}
	slots, err := s.deps.Booking.SlotsByDate(r.Context(), date)
	if err != nil {
		s.bookingFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"date":    date,
		"count":   len(slots),
		"data":    nonNil(slots),
	})
}

func (s *Server) handleSlotsRange(w http.ResponseWriter, r *http.Request) {
	start := r.URL.Query().Get("start")
	end := r.URL.Query().Get("end")
	if start == "" || end == "" {
		respondBookingError(w, http.StatusBadRequest, `Parametri "start" e "end" richiesti`)
		return
	}
	slots, err := s.deps.Booking.SlotsByRange(r.Context(), start, end)
	if err != nil {
		s.bookingFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"startDate": start,
		"endDate":   end,
		"count":     len(slots),
		"data":      nonNil(slots),
	})
}

type generateRequest struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

func (s *Server) handleGenerateSlots(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondBookingError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.StartDate == "" || req.EndDate == "" {
		respondBookingError(w, http.StatusBadRequest, "startDate e endDate sono obbligatori")
		return
	}
	created, err := s.deps.Booking.GenerateSlots(r.Context(), req.StartDate, req.EndDate)
	if err != nil {
		s.bookingFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"created":   created,
		"startDate": req.StartDate,
		"endDate":   req.EndDate,
	})
}

func (s *Server) handleCreateAppointment(w http.ResponseWriter, r *http.Request) {
	var in booking.CreateInput
	if err := decodeJSON(r, &in); err != nil && !errors.Is(err, errEmptyBody) {
		respondBookingError(w, http.StatusBadRequest, err.Error())
		return
	}
	if in.SlotID <= 0 || in.CustomerName == "" {
		respondBookingError(w, http.StatusBadRequest, "slotId e customerName sono obbligatori")
		return
	}
	appt, err := s.deps.Booking.CreateAppointment(r.Context(), in)
	if err != nil {
		s.bookingFailure(w, err)
		return
	}
	s.log.WithField("appointment_id", appt.ID).WithField("slot_id", appt.SlotID).Info("appointment created")
	respondJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"message": "Appuntamento creato con successo",
		"data":    appt,
	})
}

func (s *Server) handleGetAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}
	appt, err := s.deps.Booking.GetAppointment(r.Context(), id)
	if err != nil {
		s.bookingFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "data": appt})
}

func (s *Server) handleCancelAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}
	appt, err := s.deps.Booking.CancelAppointment(r.Context(), id)
	if err != nil {
		s.bookingFailure(w, err)
		return
	}
	s.log.WithField("appointment_id", id).Info("appointment cancelled")
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Appuntamento cancellato con successo",
		"data":    appt,
	})
}

func appointmentID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondBookingError(w, http.StatusBadRequest, "ID non valido")
		return 0, false
	}
	return id, true
}

// bookingFailure maps store sentinels onto the status codes the HTTP client
// classifies.
func (s *Server) bookingFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrSlotNotFound), errors.Is(err, booking.ErrAppointmentNotFound):
		respondBookingError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, booking.ErrSlotFull):
		respondBookingError(w, http.StatusConflict, err.Error())
	case errors.Is(err, booking.ErrAlreadyCancelled), errors.Is(err, booking.ErrInvalidInput):
		respondBookingError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.WithError(err).Error("booking store failure")
		respondBookingError(w, http.StatusInternalServerError, "Errore interno del server")
	}
}

func respondBookingError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]any{"success": false, "error": message})
}

func nonNil(slots []booking.Slot) []booking.Slot {
	if slots == nil {
		return []booking.Slot{}
	}
	return slots
}
