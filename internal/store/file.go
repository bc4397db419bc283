package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"openwhen/internal/rule"
	logx "openwhen/pkg/logx"
)

// fileStore persists the whole state as one JSON snapshot.
//
// Every save writes <path>.tmp and renames it over <path>, so a crash leaves
// either the previous or the new snapshot on disk, never a torn one.
type fileStore struct {
	log  logx.Logger
	path string

	mu     sync.Mutex
	state  fileState
	closed bool
}

type fileState struct {
	Version    int         `json:"version"`
	Rules      []rule.Rule `json:"rules"`
	Checkpoint string      `json:"last_checked_at,omitempty"`
}

const fileStateVersion = 1

func openFile(cfg Config, log logx.Logger) (Backend, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, path: path, state: fileState{Version: fileStateVersion}}
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Info("state file not found, starting empty", logx.String("path", path))
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(b, &s.state); err != nil {
			return nil, &CorruptError{Path: path, Err: err}
		}
	}
	return s, nil
}

// CorruptError reports an unreadable state file. The file is left untouched.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string { return "corrupt state file " + e.Path + ": " + e.Err.Error() }
func (e *CorruptError) Unwrap() error { return e.Err }

func (s *fileStore) LoadRules(ctx context.Context) ([]rule.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return cloneRules(s.state.Rules), nil
}

func (s *fileStore) SaveRules(ctx context.Context, rules []rule.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	next := s.state
	next.Rules = cloneRules(rules)
	if err := s.flushLocked(next); err != nil {
		return err
	}
	s.state = next
	return nil
}

func (s *fileStore) LoadCheckpoint(ctx context.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return time.Time{}, false, ErrClosed
	}
	if s.state.Checkpoint == "" {
		return time.Time{}, false, nil
	}
	at, err := decodeCheckpoint(s.state.Checkpoint)
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}

func (s *fileStore) SaveCheckpoint(ctx context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	next := s.state
	next.Checkpoint = encodeCheckpoint(at)
	if err := s.flushLocked(next); err != nil {
		return err
	}
	s.state = next
	return nil
}

func (s *fileStore) flushLocked(st fileState) error {
	st.Version = fileStateVersion
	if st.Rules == nil {
		st.Rules = []rule.Rule{}
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
