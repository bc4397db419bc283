package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"openwhen/internal/rule"
	logx "openwhen/pkg/logx"
)

// postgresStore mirrors the sqlite layout on a shared Postgres database.
type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Backend, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	s := &postgresStore{pool: pool, log: log}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *postgresStore) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS openwhen_rules (
    id  TEXT PRIMARY KEY,
    pos INTEGER NOT NULL,
    doc JSONB NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_openwhen_rules_pos ON openwhen_rules (pos);`,
		`CREATE TABLE IF NOT EXISTS openwhen_meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *postgresStore) LoadRules(ctx context.Context) ([]rule.Rule, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc::text FROM openwhen_rules ORDER BY pos`)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	docs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	out := make([]rule.Rule, 0, len(docs))
	for _, doc := range docs {
		var r rule.Rule
		if err := json.Unmarshal([]byte(doc), &r); err != nil {
			return nil, fmt.Errorf("decode rule row: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *postgresStore) SaveRules(ctx context.Context, rules []rule.Rule) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM openwhen_rules`); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for i, r := range rules {
			doc, err := json.Marshal(r)
			if err != nil {
				return err
			}
			batch.Queue(`INSERT INTO openwhen_rules (id, pos, doc) VALUES ($1, $2, $3::jsonb)`, r.ID, i, string(doc))
		}
		if batch.Len() == 0 {
			return nil
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (s *postgresStore) LoadCheckpoint(ctx context.Context) (time.Time, bool, error) {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM openwhen_meta WHERE key = $1`, metaCheckpoint).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	at, err := decodeCheckpoint(v)
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}

func (s *postgresStore) SaveCheckpoint(ctx context.Context, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO openwhen_meta (key, value) VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
`, metaCheckpoint, encodeCheckpoint(at))
	return err
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}
