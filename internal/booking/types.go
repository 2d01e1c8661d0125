package booking

import (
	"context"
	"errors"
	"time"
)

const (
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"

	// DateLayout is the calendar date format used on every API surface.
	DateLayout = "2006-01-02"
)

var (
	ErrSlotNotFound        = errors.New("slot not found")
	ErrSlotFull            = errors.New("slot not available: maximum capacity reached")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrAlreadyCancelled    = errors.New("appointment already cancelled")
	ErrInvalidInput        = errors.New("invalid booking input")
)

// Slot is a bookable time window on a given day.
type Slot struct {
	ID              int64  `json:"id"`
	Date            string `json:"date"`
	StartTime       string `json:"startTime"`
	EndTime         string `json:"endTime"`
	IsBooked        bool   `json:"isBooked"`
	MaxCapacity     int    `json:"maxCapacity"`
	CurrentBookings int    `json:"currentBookings"`
}

func (s Slot) SlotsRemaining() int {
	n := s.MaxCapacity - s.CurrentBookings
	if n < 0 {
		return 0
	}
	return n
}

// Appointment is a booking held against a slot.
type Appointment struct {
	ID              int64      `json:"id"`
	SlotID          int64      `json:"slotId"`
	Date            string     `json:"date,omitempty"`
	Time            string     `json:"time,omitempty"`
	CustomerName    string     `json:"customerName"`
	CustomerPhone   string     `json:"customerPhone,omitempty"`
	CustomerEmail   string     `json:"customerEmail,omitempty"`
	AppointmentType string     `json:"appointmentType,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	Status          string     `json:"status"`
	BookedAt        time.Time  `json:"bookedAt"`
	CancelledAt     *time.Time `json:"cancelledAt,omitempty"`
}

// CreateInput is the payload for CreateAppointment.
type CreateInput struct {
	SlotID          int64  `json:"slotId"`
	CustomerName    string `json:"customerName"`
	CustomerPhone   string `json:"customerPhone,omitempty"`
	CustomerEmail   string `json:"customerEmail,omitempty"`
	AppointmentType string `json:"appointmentType,omitempty"`
	Notes           string `json:"notes,omitempty"`
}

func (in CreateInput) Validate() error {
	if in.SlotID <= 0 {
		return errors.Join(ErrInvalidInput, errors.New("slotId is required"))
	}
	if in.CustomerName == "" {
		return errors.Join(ErrInvalidInput, errors.New("customerName is required"))
	}
	return nil
}

// Service is the booking collaborator as seen by the voice agent.
type Service interface {
	ListAvailableSlots(ctx context.Context) ([]Slot, error)
	CreateAppointment(ctx context.Context, in CreateInput) (Appointment, error)
	CancelAppointment(ctx context.Context, id int64) (Appointment, error)
}

// Store persists slots and appointments.
type Store interface {
	Service
	SlotsByDate(ctx context.Context, date string) ([]Slot, error)
	SlotsByRange(ctx context.Context, start, end string) ([]Slot, error)
	GetAppointment(ctx context.Context, id int64) (Appointment, error)
	GenerateSlots(ctx context.Context, start, end string) (int, error)
	Close() error
}
