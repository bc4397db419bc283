package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the reconciler.
const (
	RuleFired     = "rule.fired"
	RuleCaughtUp  = "rule.caught_up"
	RuleScheduled = "rule.scheduled"
	RuleCancelled = "rule.cancelled"
	RuleOpened    = "rule.opened"
	DeliveryError = "delivery.error"
	PassDone      = "reconcile.pass"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers get buffered channels; slow subscribers drop events.
//
// Data is one of the payload types below.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// RuleEvent is the payload of the rule.* and delivery.* events.
type RuleEvent struct {
	RuleID      string    `json:"rule_id"`
	GroupID     string    `json:"group_id,omitempty"`
	Kind        string    `json:"kind,omitempty"`
	Channel     string    `json:"channel,omitempty"`
	Fallback    bool      `json:"fallback,omitempty"`
	Missed      int       `json:"missed,omitempty"`
	NextAt      time.Time `json:"next_at,omitzero"`
	ScheduledAt time.Time `json:"scheduled_at,omitzero"`
	Error       string    `json:"error,omitempty"`
}

// PassEvent is the payload of reconcile.pass.
type PassEvent struct {
	Trigger    string        `json:"trigger"`
	Rules      int           `json:"rules"`
	Scheduled  int           `json:"scheduled"`
	CaughtUp   int           `json:"caught_up"`
	Expired    int           `json:"expired"`
	Errors     int           `json:"errors"`
	Duration   time.Duration `json:"duration"`
	Checkpoint time.Time     `json:"checkpoint"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() *MemBus {
	return &MemBus{subs: map[uint64]chan Event{}}
}

type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

// Publish never blocks. unsubscribe takes the write lock before closing, so
// holding the read lock across the sends keeps every channel open.
func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Dropped counts events lost to full subscriber buffers.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
