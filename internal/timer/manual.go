package timer

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// Manual is a Registry that never fires on its own. Callers inspect it and
// trigger fires themselves; it backs dry runs and tests.
type Manual struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func NewManual() *Manual { return &Manual{entries: map[string]time.Time{}} }

func (m *Manual) Register(key string, when time.Time) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("timer key required")
	}
	m.mu.Lock()
	m.entries[key] = when
	m.mu.Unlock()
	return nil
}

func (m *Manual) Cancel(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	delete(m.entries, key)
	return ok
}

func (m *Manual) CancelPrefix(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

func (m *Manual) List() []Entry {
	m.mu.Lock()
	out := make([]Entry, 0, len(m.entries))
	for k, w := range m.entries {
		out = append(out, Entry{Key: k, When: w})
	}
	m.mu.Unlock()
	sortEntries(out)
	return out
}

// When returns the instant registered for key.
func (m *Manual) When(key string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.entries[key]
	return w, ok
}

// Pop removes key as if it had fired and returns its instant.
func (m *Manual) Pop(key string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.entries[key]
	delete(m.entries, key)
	return w, ok
}
