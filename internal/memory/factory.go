package memory

import (
	"context"
	"strings"
)

// NewStore keeps outcomes next to the booking tables when DATABASE_URL is set,
// otherwise in process.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
