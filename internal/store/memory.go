package store

import (
	"context"
	"sync"
	"time"

	"openwhen/internal/rule"
)

// Memory is an in-process Backend. It is used by tests and by the "memory" driver.
type Memory struct {
	mu         sync.RWMutex
	rules      []rule.Rule
	checkpoint time.Time
	closed     bool

	saves int // SaveRules calls
}

func NewMemory(seed ...rule.Rule) *Memory {
	return &Memory{rules: cloneRules(seed)}
}

func (m *Memory) LoadRules(ctx context.Context) ([]rule.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return cloneRules(m.rules), nil
}

func (m *Memory) SaveRules(ctx context.Context, rules []rule.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.rules = cloneRules(rules)
	m.saves++
	return nil
}

func (m *Memory) LoadCheckpoint(ctx context.Context) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return time.Time{}, false, ErrClosed
	}
	return m.checkpoint, !m.checkpoint.IsZero(), nil
}

func (m *Memory) SaveCheckpoint(ctx context.Context, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.checkpoint = at
	return nil
}

func (m *Memory) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
