package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "openwhen/pkg/logx"
)

// Manager owns the current config and republishes it when the file changes.
type Manager struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64

	// subsMu is held while sending so Unsubscribe never closes a channel mid-send.
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
	debounce  time.Duration
}

// NewManager creates a manager for path. An empty path means Default() only.
func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop(), debounce: 250 * time.Millisecond}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

// SetValidator installs a hook run by Watch before committing a reloaded config.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads the file (JSON, YAML or TOML), applies env overrides and validates.
func (m *Manager) Parse() (*Config, error) {
	if strings.TrimSpace(m.path) == "" {
		cfg := Default()
		cfg.ApplyEnv()
		return cfg, cfg.Validate()
	}
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := Decode(m.path, b)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", m.path, err)
	}
	return cfg, nil
}

// Decode decodes raw file content on top of Default(). The format is picked by
// the extension of name. Unknown fields and trailing data are rejected.
func Decode(name string, data []byte) (*Config, error) {
	jb, format, err := toJSON(name, data)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%s config: %w", format, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, errors.New("invalid config: trailing data")
		}
		return nil, err
	}
	return cfg, nil
}

func (m *Manager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

// publish hands cfg to every subscriber. A subscriber whose buffer is full
// loses its oldest pending config so the newest one always lands.
func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		offer(ch, cfg)
	}
}

func offer(ch chan *Config, cfg *Config) {
	select {
	case ch <- cfg:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- cfg:
	default:
	}
}

// reload parses, dedupes, validates, commits and publishes. It reports whether a new config went out.
func (m *Manager) reload(ctx context.Context) bool {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return false
	}
	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		return false
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return false
		}
	}
	m.Commit(cfg)
	m.publish(cfg)
	m.log.Debug("config published", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", h)))
	return true
}

// Watch reloads the file on change until ctx is done. The parent directory is
// watched so editors that replace the file are seen. A failed watcher is
// recreated with jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	if strings.TrimSpace(m.path) == "" {
		<-ctx.Done()
		return nil
	}
	dir, file := filepath.Split(filepath.Clean(m.path))
	if dir == "" {
		dir = "."
	}
	bo := backoff{min: 250 * time.Millisecond, max: 5 * time.Second}

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			m.log.Warn("config watch setup failed", logx.String("dir", dir), logx.Err(err))
			if !bo.sleep(ctx) {
				return nil
			}
			continue
		}
		bo.reset()
		m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

		err = m.watchLoop(ctx, w, file)
		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		m.log.Warn("config watcher stopped; restarting", logx.Err(err))
		if !bo.sleep(ctx) {
			return nil
		}
	}
	return nil
}

const relevantOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// watchLoop debounces events for file and reloads once they settle.
func (m *Manager) watchLoop(ctx context.Context, w *fsnotify.Watcher, file string) error {
	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()
	arm := func() { settle.Reset(m.debounce) }

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-settle.C:
			m.reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("events channel closed")
			}
			if ev.Op&relevantOps != 0 && strings.EqualFold(filepath.Base(ev.Name), file) {
				arm()
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return errors.New("errors channel closed")
			case err == nil:
			case errors.Is(err, fsnotify.ErrEventOverflow):
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				arm()
			case errors.Is(err, fsnotify.ErrClosed):
				return err
			default:
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}

// backoff is a jittered exponential delay.
type backoff struct {
	min, max, cur time.Duration
}

func (b *backoff) reset() { b.cur = 0 }

func (b *backoff) sleep(ctx context.Context) bool {
	if b.cur == 0 {
		b.cur = b.min
	}
	wait := b.cur + rand.N(b.cur/2+1)
	b.cur = min(b.cur*2, b.max)
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
