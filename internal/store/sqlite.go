package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"openwhen/internal/rule"
	logx "openwhen/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

const metaCheckpoint = "last_checked_at"

// sqliteStore keeps one row per rule (JSON document plus list position) and
// the checkpoint in a meta table.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Backend, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	log.Debug("sqlite store ready", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) LoadRules(ctx context.Context) ([]rule.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM rules ORDER BY pos`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rule.Rule
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var r rule.Rule
		if err := json.Unmarshal([]byte(doc), &r); err != nil {
			return nil, fmt.Errorf("decode rule row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveRules(ctx context.Context, rules []rule.Rule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM rules`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO rules(id, pos, doc) VALUES(?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, r := range rules {
		doc, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, r.ID, i, string(doc)); err != nil {
			return fmt.Errorf("insert rule %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) LoadCheckpoint(ctx context.Context) (time.Time, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, metaCheckpoint).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
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

func (s *sqliteStore) SaveCheckpoint(ctx context.Context, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		metaCheckpoint, encodeCheckpoint(at),
	)
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
