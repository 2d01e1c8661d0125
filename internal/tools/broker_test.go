package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/teleagent/internal/booking"
)

type fakeService struct {
	mu        sync.Mutex
	slots     []booking.Slot
	listErr   error
	createErr error
	cancelErr error
	created   []booking.CreateInput
	cancelled []int64
}

func (f *fakeService) ListAvailableSlots(context.Context) ([]booking.Slot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]booking.Slot(nil), f.slots...), f.listErr
}

func (f *fakeService) CreateAppointment(_ context.Context, in booking.CreateInput) (booking.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, in)
	if f.createErr != nil {
		return booking.Appointment{}, f.createErr
	}
	for _, s := range f.slots {
		if s.ID == in.SlotID {
			return booking.Appointment{ID: 900 + s.ID, SlotID: s.ID, Date: s.Date, Time: s.StartTime, Status: booking.StatusConfirmed, CustomerName: in.CustomerName}, nil
		}
	}
	return booking.Appointment{}, booking.ErrSlotNotFound
}

func (f *fakeService) CancelAppointment(_ context.Context, id int64) (booking.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	if f.cancelErr != nil {
		return booking.Appointment{}, f.cancelErr
	}
	return booking.Appointment{ID: id, Status: booking.StatusCancelled}, nil
}

type panicService struct{ fakeService }

func (p *panicService) ListAvailableSlots(context.Context) ([]booking.Slot, error) {
	panic("collaborator exploded")
}

type recordedCall struct {
	tool, outcome string
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (r *fakeRecorder) ObserveToolCall(tool, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedCall{tool, outcome})
}

func quietLogger() logrus.FieldLogger {
	l, _ := test.NewNullLogger()
	return l
}

func newTestBroker(t *testing.T, svc booking.Service, opts Options) *Broker {
	t.Helper()
	opts.Logger = quietLogger()
	b, err := NewBroker(svc, opts)
	require.NoError(t, err)
	return b
}

func slotsOn(date string, n int) []booking.Slot {
	out := make([]booking.Slot, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, booking.Slot{
			ID:          int64(100 + i),
			Date:        date,
			StartTime:   fmt.Sprintf("%02d:%02d", 9+i/2, (i%2)*30),
			MaxCapacity: 1,
		})
	}
	return out
}

func TestCheckAvailabilityCapsResults(t *testing.T) {
	svc := &fakeService{slots: slotsOn("2025-05-20", 15)}
	b := newTestBroker(t, svc, Options{})

	resp := b.Handle(context.Background(), Call{ID: "c1", Name: CheckAvailability, Args: map[string]any{"date": "2025-05-20"}})

	require.False(t, resp.Failed(), resp.Error)
	assert.Equal(t, "c1", resp.ID)
	entries, ok := resp.Result["slots"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, entries, 10)
	for i, e := range entries {
		assert.Equal(t, int64(100+i), e["id"], "collaborator order must be kept")
		assert.Equal(t, "2025-05-20", e["date"])
		assert.NotEmpty(t, e["time"])
		assert.Len(t, e, 3)
	}
	assert.Equal(t, 15, resp.Result["total"])
}

func TestCheckAvailabilityFiltersByDate(t *testing.T) {
	svc := &fakeService{slots: append(slotsOn("2025-05-20", 3), slotsOn("2025-05-21", 2)...)}
	b := newTestBroker(t, svc, Options{})

	resp := b.Handle(context.Background(), Call{ID: "c1", Name: CheckAvailability, Args: map[string]any{"data": "2025-05-21"}})
	require.False(t, resp.Failed(), resp.Error)
	assert.Equal(t, 2, resp.Result["count"])

	resp = b.Handle(context.Background(), Call{ID: "c2", Name: CheckAvailability, Args: map[string]any{"date": "2025-06-01"}})
	require.False(t, resp.Failed(), resp.Error)
	assert.Equal(t, 0, resp.Result["count"])
	assert.Contains(t, resp.Result["message"], "2025-06-01")
}

func TestCheckAvailabilityRejectsBadDate(t *testing.T) {
	svc := &fakeService{}
	b := newTestBroker(t, svc, Options{})
	resp := b.Handle(context.Background(), Call{ID: "c1", Name: CheckAvailability, Args: map[string]any{"date": "20/05/2025"}})
	assert.True(t, resp.Failed())
	assert.Nil(t, resp.Result)
}

func TestBookResolvesSlotFromDateAndTime(t *testing.T) {
	svc := &fakeService{slots: slotsOn("2025-05-20", 4)}
	var booked []booking.Appointment
	b := newTestBroker(t, svc, Options{
		Customer: Customer{Name: "Mario Rossi", Phone: "+39 333 1234567"},
		OnBooked: func(a booking.Appointment) { booked = append(booked, a) },
	})

	resp := b.Handle(context.Background(), Call{
		ID:   "b1",
		Name: BookAppointment,
		Args: map[string]any{"data": "2025-05-20", "ora": "10:00", "note": "controllo"},
	})

	require.False(t, resp.Failed(), resp.Error)
	require.Len(t, svc.created, 1)
	assert.Equal(t, int64(102), svc.created[0].SlotID)
	assert.Equal(t, "Mario Rossi", svc.created[0].CustomerName)
	assert.Equal(t, "controllo", svc.created[0].Notes)
	require.Len(t, booked, 1)
	assert.Equal(t, int64(1002), booked[0].ID)
	assert.Equal(t, int64(1002), resp.Result["appointmentId"])
}

func TestBookAcceptsSlotIDInAnyNumericForm(t *testing.T) {
	for name, raw := range map[string]any{"float": float64(101), "string": "101", "int": 101} {
		t.Run(name, func(t *testing.T) {
			svc := &fakeService{slots: slotsOn("2025-05-20", 2)}
			b := newTestBroker(t, svc, Options{Customer: Customer{Name: "Anna Neri"}})
			resp := b.Handle(context.Background(), Call{ID: "b", Name: "bookAppointment", Args: map[string]any{"slotId": raw}})
			require.False(t, resp.Failed(), resp.Error)
			require.Len(t, svc.created, 1)
			assert.Equal(t, int64(101), svc.created[0].SlotID)
			assert.Equal(t, "bookAppointment", resp.Name)
		})
	}
}

func TestBookWithoutSlotOrMatchMakesNoCreateCall(t *testing.T) {
	cases := map[string]map[string]any{
		"no_args":     {},
		"date_only":   {"date": "2025-05-20"},
		"time_only":   {"time": "09:00"},
		"no_match":    {"date": "2025-05-20", "time": "18:30"},
		"wrong_day":   {"date": "2025-05-22", "time": "09:00"},
		"bad_time":    {"date": "2025-05-20", "time": "dopo pranzo"},
		"bad_slot_id": {"slotId": "abc"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			svc := &fakeService{slots: slotsOn("2025-05-20", 4)}
			var booked int
			b := newTestBroker(t, svc, Options{OnBooked: func(booking.Appointment) { booked++ }})

			resp := b.Handle(context.Background(), Call{ID: "x", Name: BookAppointment, Args: args})

			assert.True(t, resp.Failed())
			assert.Nil(t, resp.Result)
			assert.Empty(t, svc.created)
			assert.Zero(t, booked)
		})
	}
}

func TestBookMapsCollaboratorFailures(t *testing.T) {
	svc := &fakeService{slots: slotsOn("2025-05-20", 1), createErr: booking.ErrSlotFull}
	b := newTestBroker(t, svc, Options{})
	resp := b.Handle(context.Background(), Call{ID: "b", Name: BookAppointment, Args: map[string]any{"slotId": 100}})
	require.True(t, resp.Failed())
	assert.Contains(t, resp.Error, "no longer available")
}

func TestCancelNotFoundIsErrorResponse(t *testing.T) {
	svc := &fakeService{cancelErr: booking.ErrAppointmentNotFound}
	rec := &fakeRecorder{}
	b := newTestBroker(t, svc, Options{Recorder: rec})

	resp := b.Handle(context.Background(), Call{ID: "k1", Name: "cancelAppointment", Args: map[string]any{"appointmentId": float64(42)}})

	require.True(t, resp.Failed())
	assert.Nil(t, resp.Result)
	assert.Contains(t, resp.Error, "42")
	assert.Equal(t, []int64{42}, svc.cancelled)
	assert.Equal(t, []recordedCall{{CancelAppointment, OutcomeCollaboratorErr}}, rec.calls)
}

func TestCancelAlreadyCancelled(t *testing.T) {
	svc := &fakeService{cancelErr: booking.ErrAlreadyCancelled}
	b := newTestBroker(t, svc, Options{})
	resp := b.Handle(context.Background(), Call{ID: "k1", Name: CancelAppointment, Args: map[string]any{"appointmentId": 7}})
	require.True(t, resp.Failed())
	assert.Contains(t, resp.Error, "already cancelled")
}

func TestCancelValidatesBeforeCollaborator(t *testing.T) {
	svc := &fakeService{}
	b := newTestBroker(t, svc, Options{})

	for _, args := range []map[string]any{{}, {"reason": "malato"}, {"appointmentId": 0}, {"appointmentId": "x"}} {
		resp := b.Handle(context.Background(), Call{ID: "k", Name: CancelAppointment, Args: args})
		assert.True(t, resp.Failed(), "%v", args)
	}
	assert.Empty(t, svc.cancelled)
}

func TestCancelSucceeds(t *testing.T) {
	svc := &fakeService{}
	b := newTestBroker(t, svc, Options{})
	resp := b.Handle(context.Background(), Call{ID: "k", Name: CancelAppointment, Args: map[string]any{"appointment_id": "12", "motivo": "impegno"}})
	require.False(t, resp.Failed(), resp.Error)
	assert.Equal(t, booking.StatusCancelled, resp.Result["status"])
	assert.Equal(t, "impegno", resp.Result["reason"])
}

func TestUnknownToolAndCollaboratorOutage(t *testing.T) {
	svc := &fakeService{listErr: errors.New("connection refused")}
	rec := &fakeRecorder{}
	b := newTestBroker(t, svc, Options{Recorder: rec})

	resp := b.Handle(context.Background(), Call{ID: "u", Name: "orderPizza"})
	assert.True(t, resp.Failed())
	assert.Equal(t, "u", resp.ID)

	resp = b.Handle(context.Background(), Call{ID: "v", Name: CheckAvailability})
	assert.True(t, resp.Failed())
	assert.Contains(t, resp.Error, "connection refused")

	assert.Equal(t, []recordedCall{
		{"unknown", OutcomeUnknownTool},
		{CheckAvailability, OutcomeCollaboratorErr},
	}, rec.calls)
}

func TestHandleRecoversPanics(t *testing.T) {
	rec := &fakeRecorder{}
	b := newTestBroker(t, &panicService{}, Options{Recorder: rec})

	var resp Response
	require.NotPanics(t, func() {
		resp = b.Handle(context.Background(), Call{ID: "p", Name: CheckAvailability})
	})
	assert.Equal(t, "p", resp.ID)
	assert.True(t, resp.Failed())
	assert.Nil(t, resp.Result)
	assert.Equal(t, []recordedCall{{CheckAvailability, OutcomePanic}}, rec.calls)
}

func TestDeclarationsSchemas(t *testing.T) {
	assert.Equal(t, []string{CheckAvailability, BookAppointment, CancelAppointment}, Names())
	for _, d := range Declarations() {
		s := d.JSONSchema()
		assert.Equal(t, "object", s["type"], d.Name)
	}
	canonical, ok := Canonical("bookAppointment")
	require.True(t, ok)
	assert.Equal(t, BookAppointment, canonical)
	_, ok = Canonical("orderPizza")
	assert.False(t, ok)
}
