package booking

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is an in-process booking store for local/dev use.
type InMemoryStore struct {
	mu           sync.RWMutex
	now          func() time.Time
	nextSlot     int64
	nextAppt     int64
	slots        map[int64]*Slot
	slotKeys     map[string]int64
	appointments map[int64]*Appointment
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		now:          time.Now,
		slots:        make(map[int64]*Slot),
		slotKeys:     make(map[string]int64),
		appointments: make(map[int64]*Appointment),
	}
}

// AddSlot inserts a single slot and returns it with its assigned ID.
func (s *InMemoryStore) AddSlot(date, start, end string, capacity int) Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addSlotLocked(date, start, end, capacity)
}

func (s *InMemoryStore) addSlotLocked(date, start, end string, capacity int) Slot {
	if capacity <= 0 {
		capacity = 1
	}
	key := date + " " + start
	if id, ok := s.slotKeys[key]; ok {
		return *s.slots[id]
	}
	s.nextSlot++
	slot := &Slot{
		ID:          s.nextSlot,
		Date:        date,
		StartTime:   start,
		EndTime:     end,
		MaxCapacity: capacity,
	}
	s.slots[slot.ID] = slot
	s.slotKeys[key] = slot.ID
	return *slot
}

func (s *InMemoryStore) ListAvailableSlots(_ context.Context) ([]Slot, error) {
	today := s.now().Format(DateLayout)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(func(sl *Slot) bool {
		return sl.Date >= today && sl.CurrentBookings < sl.MaxCapacity
	}), nil
}

func (s *InMemoryStore) SlotsByDate(_ context.Context, date string) ([]Slot, error) {
	if !ValidDate(date) {
		return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalidInput)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(func(sl *Slot) bool { return sl.Date == date }), nil
}

func (s *InMemoryStore) SlotsByRange(_ context.Context, start, end string) ([]Slot, error) {
	if !ValidDate(start) || !ValidDate(end) {
		return nil, fmt.Errorf("%w: start and end must be YYYY-MM-DD", ErrInvalidInput)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(func(sl *Slot) bool { return sl.Date >= start && sl.Date <= end }), nil
}

func (s *InMemoryStore) collectLocked(keep func(*Slot) bool) []Slot {
	out := make([]Slot, 0, len(s.slots))
	for _, sl := range s.slots {
		if keep(sl) {
			out = append(out, *sl)
		}
	}
	sortSlots(out)
	return out
}

func (s *InMemoryStore) CreateAppointment(_ context.Context, in CreateInput) (Appointment, error) {
	if err := in.Validate(); err != nil {
		return Appointment{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.slots[in.SlotID]
	if !ok {
		return Appointment{}, ErrSlotNotFound
	}
	if slot.CurrentBookings >= slot.MaxCapacity {
		return Appointment{}, ErrSlotFull
	}

	slot.CurrentBookings++
	slot.IsBooked = slot.CurrentBookings >= slot.MaxCapacity

	s.nextAppt++
	appt := &Appointment{
		ID:              s.nextAppt,
		SlotID:          slot.ID,
		Date:            slot.Date,
		Time:            slot.StartTime,
		CustomerName:    in.CustomerName,
		CustomerPhone:   in.CustomerPhone,
		CustomerEmail:   in.CustomerEmail,
		AppointmentType: in.AppointmentType,
		Notes:           in.Notes,
		Status:          StatusConfirmed,
		BookedAt:        s.now().UTC(),
	}
	s.appointments[appt.ID] = appt
	return *appt, nil
}

func (s *InMemoryStore) GetAppointment(_ context.Context, id int64) (Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	appt, ok := s.appointments[id]
	if !ok {
		return Appointment{}, ErrAppointmentNotFound
	}
	return *appt, nil
}

func (s *InMemoryStore) CancelAppointment(_ context.Context, id int64) (Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	appt, ok := s.appointments[id]
	if !ok {
		return Appointment{}, ErrAppointmentNotFound
	}
	if appt.Status == StatusCancelled {
		return Appointment{}, ErrAlreadyCancelled
	}
	now := s.now().UTC()
	appt.Status = StatusCancelled
	appt.CancelledAt = &now

	if slot, ok := s.slots[appt.SlotID]; ok && slot.CurrentBookings > 0 {
		slot.CurrentBookings--
		slot.IsBooked = slot.CurrentBookings >= slot.MaxCapacity
	}
	return *appt, nil
}

func (s *InMemoryStore) GenerateSlots(_ context.Context, start, end string) (int, error) {
	tmpl, err := expandRange(start, end)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	created := 0
	for _, ts := range tmpl {
		if _, exists := s.slotKeys[ts.date+" "+ts.start]; exists {
			continue
		}
		s.addSlotLocked(ts.date, ts.start, ts.end, 1)
		created++
	}
	return created, nil
}

func (s *InMemoryStore) Close() error { return nil }

func sortSlots(slots []Slot) {
	sort.Slice(slots, func(i, j int) bool {
		if slots[i].Date != slots[j].Date {
			return slots[i].Date < slots[j].Date
		}
		if slots[i].StartTime != slots[j].StartTime {
			return slots[i].StartTime < slots[j].StartTime
		}
		return slots[i].ID < slots[j].ID
	})
}
