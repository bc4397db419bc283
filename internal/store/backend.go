package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"openwhen/internal/rule"
	logx "openwhen/pkg/logx"
)

// Backend is the durable key/value surface the Store serializes writes into.
//
// Backends do not need to be safe for concurrent writers; Store funnels every
// write through a single goroutine. Reads may run concurrently with writes.
type Backend interface {
	LoadRules(ctx context.Context) ([]rule.Rule, error)
	SaveRules(ctx context.Context, rules []rule.Rule) error
	LoadCheckpoint(ctx context.Context) (at time.Time, ok bool, err error)
	SaveCheckpoint(ctx context.Context, at time.Time) error
	Close() error
}

// Config selects and configures a Backend.
//
// Driver values:
//   - "memory": process-local, lost on exit
//   - "file": a single JSON snapshot replaced by atomic rename
//   - "sqlite": SQLite database file (pure Go driver)
//   - "postgres": Postgres via DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured backend. An empty driver selects "file".
func Open(ctx context.Context, cfg Config, log logx.Logger) (Backend, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("driver", driver))

	switch driver {
	case "memory", "mem":
		return NewMemory(), nil
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pg":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func encodeCheckpoint(at time.Time) string { return at.UTC().Format(time.RFC3339Nano) }

func decodeCheckpoint(s string) (time.Time, error) {
	at, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("decode checkpoint %q: %w", s, err)
	}
	return at, nil
}

func cloneRules(in []rule.Rule) []rule.Rule {
	if in == nil {
		return nil
	}
	out := make([]rule.Rule, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}
