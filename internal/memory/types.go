package memory

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Outcome is the persisted result of one call. It never carries what was
// said, only how the call ended.
type Outcome struct {
	ID            string    `json:"id"`
	CallID        string    `json:"call_id"`
	ContactID     string    `json:"contact_id"`
	Status        string    `json:"status"`
	AppointmentID *int64    `json:"appointment_id,omitempty"`
	Failure       string    `json:"failure,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
}

// Store persists call outcomes per contact so follow-up calls know how the
// previous ones went.
type Store interface {
	SaveOutcome(ctx context.Context, outcome Outcome) error
	RecentOutcomes(ctx context.Context, contactID string, limit int) ([]Outcome, error)
	Close() error
}

var statusLabels = map[string]string{
	"completed": "conclusa senza prenotazione",
	"booked":    "appuntamento prenotato",
	"failed":    "non riuscita",
}

// ContextPrompt renders earlier outcomes, oldest first, as an addendum to the
// system instruction. It returns "" when there is nothing to add.
func ContextPrompt(outcomes []Outcome) string {
	if len(outcomes) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\nContatti precedenti con questo cliente:\n")
	for _, o := range outcomes {
		label, ok := statusLabels[o.Status]
		if !ok {
			label = o.Status
		}
		fmt.Fprintf(&b, "- %s: chiamata %s", o.EndedAt.Format("2006-01-02 15:04"), label)
		if o.AppointmentID != nil {
			fmt.Fprintf(&b, " (appuntamento #%d)", *o.AppointmentID)
		}
		b.WriteString("\n")
	}
	return b.String()
}
