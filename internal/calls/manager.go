package calls

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/antoniostano/teleagent/internal/booking"
	"github.com/antoniostano/teleagent/internal/live"
	"github.com/antoniostano/teleagent/internal/policy"
)

var errPendingExpired = errors.New("audio bridge never attached")

type call struct {
	Call
	stop func()
}

// Manager tracks the contact list and the single active call.
type Manager struct {
	mu             sync.RWMutex
	contacts       map[string]*Contact
	order          []string
	calls          map[string]*call
	activeID       string
	pendingTimeout time.Duration
	onEnd          func(*Call)
	now            func() time.Time
	log            logrus.FieldLogger
}

func NewManager(contacts []Contact, pendingTimeout time.Duration, logger logrus.FieldLogger) *Manager {
	if pendingTimeout <= 0 {
		pendingTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	m := &Manager{
		contacts:       make(map[string]*Contact, len(contacts)),
		calls:          make(map[string]*call),
		pendingTimeout: pendingTimeout,
		now:            func() time.Time { return time.Now().UTC() },
		log:            logger,
	}
	for _, c := range contacts {
		c := c
		if c.Status == "" {
			c.Status = StatusIdle
		}
		m.contacts[c.ID] = &c
		m.order = append(m.order, c.ID)
	}
	return m
}

// SetEndHook registers a callback run after a call ends, outside the lock.
func (m *Manager) SetEndHook(hook func(*Call)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnd = hook
}

func (m *Manager) Contacts() []Contact {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Contact, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, cloneContact(m.contacts[id]))
	}
	return out
}

func (m *Manager) Contact(id string) (Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contacts[id]
	if !ok {
		return Contact{}, ErrContactNotFound
	}
	return cloneContact(c), nil
}

// Create opens a pending call towards contactID. Only one call may be active.
func (m *Manager) Create(contactID string) (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	contact, ok := m.contacts[contactID]
	if !ok {
		return nil, ErrContactNotFound
	}
	if m.activeID != "" {
		return nil, ErrCallActive
	}

	now := m.now()
	c := &call{Call: Call{
		ID:          uuid.NewString(),
		ContactID:   contact.ID,
		ContactName: contact.Name,
		Status:      StatusCalling,
		State:       live.StateIdle,
		CreatedAt:   now,
	}}
	c.appendLog(now, live.LevelInfo, "Avvio simulazione chiamata verso "+contact.Phone+"...")
	m.calls[c.ID] = c
	m.activeID = c.ID
	contact.Status = StatusCalling
	contact.LastInteraction = &now

	m.log.WithFields(logrus.Fields{
		"call_id": c.ID,
		"contact": contact.ID,
		"phone":   policy.MaskPhone(contact.Phone),
	}).Info("call created")
	return cloneCall(c), nil
}

func (m *Manager) Get(id string) (*Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calls[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCall(c), nil
}

// Active returns the call currently holding the line, if any.
func (m *Manager) Active() (*Call, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.activeID == "" {
		return nil, false
	}
	return cloneCall(m.calls[m.activeID]), true
}

// Attach binds the audio bridge to a pending call. stop is invoked on hangup.
func (m *Manager) Attach(id string, stop func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return ErrNotFound
	}
	if c.EndedAt != nil {
		return ErrCallEnded
	}
	if c.Attached {
		return ErrAlreadyAttached
	}
	c.Attached = true
	c.stop = stop
	return nil
}

// SetState mirrors the live session state onto the call and its contact.
func (m *Manager) SetState(id string, state live.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok || c.EndedAt != nil {
		return
	}
	c.State = state
	if state == live.StateStreaming && c.Status == StatusCalling {
		c.Status = StatusConnected
		if contact, ok := m.contacts[c.ContactID]; ok {
			contact.Status = StatusConnected
		}
	}
}

func (m *Manager) AppendLog(id string, entry live.LogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return
	}
	c.appendLog(entry.Time, entry.Level, entry.Message)
}

// RecordBooking marks the call and its contact as booked.
func (m *Manager) RecordBooking(id string, appt booking.Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return ErrNotFound
	}
	booked := &BookedAppointment{ID: appt.ID, Date: appt.Date, Time: appt.Time, Notes: appt.Notes}
	c.Appointment = booked
	c.Status = StatusBooked
	now := m.now()
	c.appendLog(now, live.LevelSuccess, "Prenotazione ricevuta per "+appt.Date+" alle "+appt.Time)
	if contact, ok := m.contacts[c.ContactID]; ok {
		contact.Status = StatusBooked
		b := *booked
		contact.Appointment = &b
		contact.LastInteraction = &now
	}
	return nil
}

// Hangup asks an attached session to stop; its close path ends the call. A
// call without a bridge is ended directly.
func (m *Manager) Hangup(id string) (*Call, error) {
	m.mu.RLock()
	c, ok := m.calls[id]
	if !ok {
		m.mu.RUnlock()
		return nil, ErrNotFound
	}
	ended := c.EndedAt != nil
	stop := c.stop
	m.mu.RUnlock()

	if ended {
		return m.Get(id)
	}
	if stop != nil {
		stop()
		return m.Get(id)
	}
	return m.End(id, nil)
}

// End closes the call. A booked call stays booked; otherwise cause decides
// between completed and failed.
func (m *Manager) End(id string, cause error) (*Call, error) {
	m.mu.Lock()
	c, ok := m.calls[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if c.EndedAt != nil {
		out := cloneCall(c)
		m.mu.Unlock()
		return out, ErrCallEnded
	}
	m.finish(c, cause)
	out := cloneCall(c)
	hook := m.onEnd
	m.mu.Unlock()

	if hook != nil {
		hook(out)
	}
	return out, nil
}

// StartJanitor expires calls whose audio bridge never attached.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expirePending()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.activeID == "" {
		return 0
	}
	return 1
}

func (m *Manager) expirePending() {
	now := m.now()
	var expired []*Call

	m.mu.Lock()
	for _, c := range m.calls {
		if c.EndedAt != nil || c.Attached {
			continue
		}
		if now.Sub(c.CreatedAt) < m.pendingTimeout {
			continue
		}
		m.finish(c, errPendingExpired)
		expired = append(expired, cloneCall(c))
	}
	hook := m.onEnd
	m.mu.Unlock()

	for _, c := range expired {
		m.log.WithField("call_id", c.ID).Warn("pending call expired")
		if hook != nil {
			hook(c)
		}
	}
}

// finish must be called with m.mu held.
func (m *Manager) finish(c *call, cause error) {
	now := m.now()
	switch {
	case c.Status == StatusBooked:
	case cause != nil:
		c.Status = StatusFailed
	default:
		c.Status = StatusCompleted
	}
	if cause != nil {
		c.appendLog(now, live.LevelError, "Errore: "+cause.Error())
	}
	c.appendLog(now, live.LevelInfo, "Chiamata terminata.")
	c.EndedAt = &now
	c.stop = nil
	if !c.State.Terminal() {
		if cause != nil {
			c.State = live.StateFailed
		} else {
			c.State = live.StateClosed
		}
	}
	if contact, ok := m.contacts[c.ContactID]; ok {
		contact.Status = c.Status
		contact.LastInteraction = &now
	}
	if m.activeID == c.ID {
		m.activeID = ""
	}
	m.log.WithFields(logrus.Fields{"call_id": c.ID, "status": c.Status}).Info("call ended")
}

func (c *call) appendLog(at time.Time, level live.Level, msg string) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	c.Logs = append(c.Logs, LogEntry{Time: at, Level: level, Message: msg})
	if over := len(c.Logs) - MaxLogEntries; over > 0 {
		c.Logs = append(c.Logs[:0:0], c.Logs[over:]...)
	}
}

func cloneCall(c *call) *Call {
	out := c.Call
	out.Logs = append([]LogEntry(nil), c.Logs...)
	if c.Appointment != nil {
		a := *c.Appointment
		out.Appointment = &a
	}
	if c.EndedAt != nil {
		t := *c.EndedAt
		out.EndedAt = &t
	}
	return &out
}

func cloneContact(c *Contact) Contact {
	out := *c
	if c.Appointment != nil {
		a := *c.Appointment
		out.Appointment = &a
	}
	if c.LastInteraction != nil {
		t := *c.LastInteraction
		out.LastInteraction = &t
	}
	return out
}
