package booking

import (
	"context"
	"strings"
	"time"
)

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

// Seed generates template slots from today through days-1 days ahead.
func Seed(ctx context.Context, store Store, days int, now time.Time) (int, error) {
	if days <= 0 {
		return 0, nil
	}
	start := now.Format(DateLayout)
	end := now.AddDate(0, 0, days-1).Format(DateLayout)
	return store.GenerateSlots(ctx, start, end)
}
