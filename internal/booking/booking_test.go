package booking

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedStore(t *testing.T) *InMemoryStore {
	t.Helper()
	s := NewInMemoryStore()
	s.now = func() time.Time { return time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC) }
	return s
}

func TestGenerateSlotsFollowsDayTemplate(t *testing.T) {
	s := fixedStore(t)
	ctx := context.Background()

	n, err := s.GenerateSlots(ctx, "2026-03-02", "2026-03-03")
	require.NoError(t, err)
	assert.Equal(t, 32, n)

	again, err := s.GenerateSlots(ctx, "2026-03-02", "2026-03-03")
	require.NoError(t, err)
	assert.Zero(t, again, "regenerating must not duplicate slots")

	day, err := s.SlotsByDate(ctx, "2026-03-02")
	require.NoError(t, err)
	require.Len(t, day, 16)
	assert.Equal(t, "09:00", day[0].StartTime)
	assert.Equal(t, "09:30", day[0].EndTime)
	assert.Equal(t, "17:30", day[15].StartTime)
	assert.Equal(t, "18:00", day[15].EndTime)
}

func TestGenerateSlotsRejectsBadRange(t *testing.T) {
	s := fixedStore(t)
	_, err := s.GenerateSlots(context.Background(), "2026-03-05", "2026-03-01")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = s.GenerateSlots(context.Background(), "05/03/2026", "2026-03-06")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCreateAppointmentHonoursCapacity(t *testing.T) {
	s := fixedStore(t)
	ctx := context.Background()
	slot := s.AddSlot("2026-03-04", "10:00", "10:30", 1)

	appt, err := s.CreateAppointment(ctx, CreateInput{SlotID: slot.ID, CustomerName: "Anna Neri", Notes: "pulizia"})
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, appt.Status)
	assert.Equal(t, "2026-03-04", appt.Date)
	assert.Equal(t, "10:00", appt.Time)

	_, err = s.CreateAppointment(ctx, CreateInput{SlotID: slot.ID, CustomerName: "Luigi Verdi"})
	assert.ErrorIs(t, err, ErrSlotFull)

	avail, err := s.ListAvailableSlots(ctx)
	require.NoError(t, err)
	assert.Empty(t, avail)
}

func TestCreateAppointmentValidation(t *testing.T) {
	s := fixedStore(t)
	ctx := context.Background()

	_, err := s.CreateAppointment(ctx, CreateInput{CustomerName: "x"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = s.CreateAppointment(ctx, CreateInput{SlotID: 1})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = s.CreateAppointment(ctx, CreateInput{SlotID: 99, CustomerName: "x"})
	assert.ErrorIs(t, err, ErrSlotNotFound)
}

func TestCancelAppointmentReleasesSlot(t *testing.T) {
	s := fixedStore(t)
	ctx := context.Background()
	slot := s.AddSlot("2026-03-04", "11:00", "11:30", 1)
	appt, err := s.CreateAppointment(ctx, CreateInput{SlotID: slot.ID, CustomerName: "Mario Rossi"})
	require.NoError(t, err)

	cancelled, err := s.CancelAppointment(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)

	_, err = s.CancelAppointment(ctx, appt.ID)
	assert.ErrorIs(t, err, ErrAlreadyCancelled)
	_, err = s.CancelAppointment(ctx, 4242)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	avail, err := s.ListAvailableSlots(ctx)
	require.NoError(t, err)
	require.Len(t, avail, 1)
	assert.Equal(t, slot.ID, avail[0].ID)
}

func TestListAvailableSkipsPastDays(t *testing.T) {
	s := fixedStore(t)
	s.AddSlot("2026-03-01", "09:00", "09:30", 1)
	s.AddSlot("2026-03-02", "09:00", "09:30", 1)

	avail, err := s.ListAvailableSlots(context.Background())
	require.NoError(t, err)
	require.Len(t, avail, 1)
	assert.Equal(t, "2026-03-02", avail[0].Date)
}

func TestSlotsByRangeOrdersResults(t *testing.T) {
	s := fixedStore(t)
	s.AddSlot("2026-03-05", "14:00", "14:30", 1)
	s.AddSlot("2026-03-03", "16:00", "16:30", 1)
	s.AddSlot("2026-03-03", "09:00", "09:30", 1)

	got, err := s.SlotsByRange(context.Background(), "2026-03-03", "2026-03-04")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "09:00", got[0].StartTime)
	assert.Equal(t, "16:00", got[1].StartTime)
}

func TestNormalizeTime(t *testing.T) {
	for in, want := range map[string]string{"9:00": "09:00", "09:00": "09:00", "15:30:00": "15:30", "15.30": "15:30"} {
		got, ok := NormalizeTime(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := NormalizeTime("mezzogiorno")
	assert.False(t, ok)
}

func TestIdempotencyKeyIgnoresKeyOrder(t *testing.T) {
	a, err := IdempotencyKey("POST /api/appointments", []byte(`{"slotId":3,"customerName":"Anna"}`))
	require.NoError(t, err)
	b, err := IdempotencyKey("POST /api/appointments", []byte(`{ "customerName": "Anna", "slotId": 3 }`))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := IdempotencyKey("POST /api/other", []byte(`{"slotId":3,"customerName":"Anna"}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestHTTPClientMapsStatuses(t *testing.T) {
	var posts atomic.Int32
	var keys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/slots/available":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": true,
				"count":   1,
				"data":    []Slot{{ID: 7, Date: "2026-03-04", StartTime: "10:00", EndTime: "10:30", MaxCapacity: 1}},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/api/appointments":
			keys = append(keys, r.Header.Get("Idempotency-Key"))
			if posts.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "warming up"})
				return
			}
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "Slot not available"})
		case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/api/appointments/404/"):
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "Appointment not found"})
		case r.Method == http.MethodPut:
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "Appointment already cancelled"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", time.Second)
	c.backoff = time.Millisecond
	ctx := context.Background()

	slots, err := c.ListAvailableSlots(ctx)
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, int64(7), slots[0].ID)

	_, err = c.CreateAppointment(ctx, CreateInput{SlotID: 7, CustomerName: "Giulia Bianchi"})
	assert.ErrorIs(t, err, ErrSlotFull)
	assert.Equal(t, int32(2), posts.Load(), "503 must be retried, 409 must not")
	require.Len(t, keys, 2)
	assert.Equal(t, keys[0], keys[1])
	assert.NotEmpty(t, keys[0])

	_, err = c.CancelAppointment(ctx, 404)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
	_, err = c.CancelAppointment(ctx, 5)
	assert.ErrorIs(t, err, ErrAlreadyCancelled)
}
