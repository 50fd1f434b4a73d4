package storage

import (
	"context"
	"strings"
)

// NewStore creates a Postgres-backed Store when databaseURL is set,
// otherwise an in-process Store suitable for local/dev use.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
