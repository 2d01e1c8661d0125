package calls

import (
	"errors"
	"time"

	"github.com/antoniostano/teleagent/internal/live"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusCalling   Status = "calling"
	StatusConnected Status = "connected"
	StatusCompleted Status = "completed"
	StatusBooked    Status = "booked"
	StatusFailed    Status = "failed"
)

var (
	ErrNotFound        = errors.New("call not found")
	ErrContactNotFound = errors.New("contact not found")
	ErrCallActive      = errors.New("another call is already active")
	ErrCallEnded       = errors.New("call already ended")
	ErrAlreadyAttached = errors.New("call audio bridge already attached")
)

// MaxLogEntries bounds the transient per-call log.
const MaxLogEntries = 200

// BookedAppointment is what the contact list shows after a successful booking.
type BookedAppointment struct {
	ID    int64  `json:"id"`
	Date  string `json:"date"`
	Time  string `json:"time"`
	Notes string `json:"notes,omitempty"`
}

type Contact struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	Phone           string             `json:"phone_number"`
	Status          Status             `json:"status"`
	Appointment     *BookedAppointment `json:"appointment,omitempty"`
	LastInteraction *time.Time         `json:"last_interaction,omitempty"`
}

// Call is one outbound attempt towards a contact. Logs are never persisted.
type Call struct {
	ID          string             `json:"call_id"`
	ContactID   string             `json:"contact_id"`
	ContactName string             `json:"contact_name"`
	Status      Status             `json:"status"`
	State       live.State         `json:"session_state"`
	Attached    bool               `json:"attached"`
	Appointment *BookedAppointment `json:"appointment,omitempty"`
	Logs        []LogEntry         `json:"logs"`
	CreatedAt   time.Time          `json:"created_at"`
	EndedAt     *time.Time         `json:"ended_at,omitempty"`
}

// LogEntry is the JSON form of live.LogEntry.
type LogEntry struct {
	Time    time.Time  `json:"timestamp"`
	Level   live.Level `json:"type"`
	Message string     `json:"message"`
}

// CreateRequest is the call-control payload for dialing a contact.
type CreateRequest struct {
	ContactID string `json:"contact_id"`
}

// DefaultContacts is the demo recall list.
func DefaultContacts() []Contact {
	return []Contact{
		{ID: "1", Name: "Mario Rossi", Phone: "+39 333 1234567"},
		{ID: "2", Name: "Giulia Bianchi", Phone: "+39 345 9876543"},
		{ID: "3", Name: "Luigi Verdi", Phone: "+39 320 5551234"},
		{ID: "4", Name: "Anna Neri", Phone: "+39 347 1112223"},
	}
}

// Instruction prefixes the agent instruction with the person being called.
func Instruction(contact Contact, base string) string {
	return "Stai parlando con " + contact.Name + ". " + base
}
