package memory

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestInMemoryRecentOutcomesKeepsLatestInOrder(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	for _, status := range []string{"failed", "completed", "booked"} {
		if err := s.SaveOutcome(ctx, Outcome{CallID: "c-" + status, ContactID: "1", Status: status}); err != nil {
			t.Fatalf("SaveOutcome() error = %v", err)
		}
	}
	_ = s.SaveOutcome(ctx, Outcome{CallID: "other", ContactID: "2", Status: "failed"})

	got, err := s.RecentOutcomes(ctx, "1", 2)
	if err != nil {
		t.Fatalf("RecentOutcomes() error = %v", err)
	}
	if len(got) != 2 || got[0].Status != "completed" || got[1].Status != "booked" {
		t.Fatalf("RecentOutcomes() = %+v, want [completed booked]", got)
	}
	if got[0].ID == "" || got[0].EndedAt.IsZero() {
		t.Fatalf("SaveOutcome() did not fill id/ended_at: %+v", got[0])
	}

	all, _ := s.RecentOutcomes(ctx, "1", 0)
	if len(all) != 3 {
		t.Fatalf("RecentOutcomes(limit=0) len = %d, want 3", len(all))
	}
	all[0].Status = "mutated"
	again, _ := s.RecentOutcomes(ctx, "1", 0)
	if again[0].Status != "failed" {
		t.Fatalf("RecentOutcomes() exposed internal slice")
	}
	if none, _ := s.RecentOutcomes(ctx, "missing", 5); none != nil {
		t.Fatalf("RecentOutcomes(missing) = %+v, want nil", none)
	}
}

func TestContextPrompt(t *testing.T) {
	if got := ContextPrompt(nil); got != "" {
		t.Fatalf("ContextPrompt(nil) = %q, want empty", got)
	}
	id := int64(7)
	ended := time.Date(2026, 10, 1, 10, 30, 0, 0, time.UTC)
	got := ContextPrompt([]Outcome{
		{Status: "completed", EndedAt: ended},
		{Status: "booked", AppointmentID: &id, EndedAt: ended.Add(24 * time.Hour)},
	})
	if !strings.Contains(got, "- 2026-10-01 10:30: chiamata conclusa senza prenotazione\n") {
		t.Fatalf("ContextPrompt() = %q, missing completed line", got)
	}
	if !strings.Contains(got, "- 2026-10-02 10:30: chiamata appuntamento prenotato (appuntamento #7)\n") {
		t.Fatalf("ContextPrompt() = %q, missing booked line", got)
	}
}

func TestNewStoreWithoutDatabaseIsInMemory(t *testing.T) {
	s, err := NewStore(context.Background(), "  ")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Fatalf("NewStore() = %T, want *InMemoryStore", s)
	}
}
