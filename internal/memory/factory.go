package memory

import (
	"context"
	"fmt"
	"strings"
)

// Options selects and configures a Store backend.
type Options struct {
	Driver      string
	DatabaseURL string
	SQLitePath  string
}

// NewStore creates the backend named by opts.Driver. An empty driver falls back
// to postgres when a database URL is set, otherwise in-memory.
func NewStore(ctx context.Context, opts Options) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(opts.Driver))
	if driver == "" {
		driver = "memory"
		if strings.TrimSpace(opts.DatabaseURL) != "" {
			driver = "postgres"
		}
	}

	switch driver {
	case "memory":
		return NewInMemoryStore(), nil
	case "postgres":
		return NewPostgresStore(ctx, opts.DatabaseURL)
	case "sqlite":
		return NewSQLiteStore(ctx, opts.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", opts.Driver)
	}
}
