package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"openwhen/internal/rule"
	logx "openwhen/pkg/logx"
)

var (
	ErrClosed   = errors.New("store closed")
	ErrNotFound = errors.New("rule not found")
	// ErrEmptyOverwrite is returned by WriteAll when it would replace a non-empty
	// stored list with an empty one. Nothing is written.
	ErrEmptyOverwrite = errors.New("refusing to overwrite non-empty rule list with empty list")
)

// Store serializes every write to a Backend through one writer goroutine.
//
// Writes are applied in submission order and each caller blocks until its own
// write has been applied or has failed. A failed write does not stop later ones.
// Reads go straight to the backend and never wait for the queue.
type Store struct {
	backend Backend
	log     logx.Logger

	ops  chan op
	quit chan struct{}
	done chan struct{}

	closeOnce sync.Once
	closeErr  error
}

type op struct {
	ctx  context.Context
	name string
	fn   func(ctx context.Context) error
	res  chan error
}

// New starts the writer goroutine. Close stops it and closes the backend.
func New(backend Backend, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{
		backend: backend,
		log:     log.With(logx.String("comp", "store")),
		ops:     make(chan op),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Store) run() {
	defer close(s.done)
	for {
		select {
		case o := <-s.ops:
			s.exec(o)
		case <-s.quit:
			// Serve writers that were already handed off.
			for {
				select {
				case o := <-s.ops:
					s.exec(o)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) exec(o op) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("store %s panicked: %v", o.name, r)
		}
		if err != nil && !errors.Is(err, ErrEmptyOverwrite) {
			s.log.Warn("store write failed", logx.String("op", o.name), logx.Err(err))
		}
		o.res <- err
	}()
	if err = o.ctx.Err(); err != nil {
		return
	}
	err = o.fn(o.ctx)
}

// submit enqueues fn and waits for its result.
func (s *Store) submit(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	o := op{ctx: ctx, name: name, fn: fn, res: make(chan error, 1)}
	select {
	case <-s.quit:
		return ErrClosed
	default:
	}
	select {
	case s.ops <- o:
	case <-s.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-o.res
}

// ReadAll returns the stored rules in list order.
func (s *Store) ReadAll(ctx context.Context) ([]rule.Rule, error) {
	if s.closed() {
		return nil, ErrClosed
	}
	return s.backend.LoadRules(ctx)
}

// ReadCheckpoint returns the last reconciliation timestamp, if any.
func (s *Store) ReadCheckpoint(ctx context.Context) (time.Time, bool, error) {
	if s.closed() {
		return time.Time{}, false, ErrClosed
	}
	return s.backend.LoadCheckpoint(ctx)
}

// WriteAll replaces the stored list. An empty list never replaces a non-empty one;
// use Mutate for deliberate deletions.
func (s *Store) WriteAll(ctx context.Context, rules []rule.Rule) error {
	next := cloneRules(rules)
	return s.submit(ctx, "write_all", func(ctx context.Context) error {
		if len(next) == 0 {
			cur, err := s.backend.LoadRules(ctx)
			if err != nil {
				return err
			}
			if len(cur) > 0 {
				s.log.Warn("refused empty overwrite", logx.Int("stored", len(cur)))
				return ErrEmptyOverwrite
			}
		}
		return s.backend.SaveRules(ctx, next)
	})
}

// UpdateOne atomically applies mutate to a copy of the rule with id and stores it.
// ok is false (and nothing is written) when no such rule exists.
// RunCount is clamped to be non-negative after mutate runs.
func (s *Store) UpdateOne(ctx context.Context, id string, mutate func(rule.Rule) rule.Rule) (rule.Rule, bool, error) {
	var (
		updated rule.Rule
		found   bool
	)
	err := s.submit(ctx, "update_one", func(ctx context.Context) error {
		cur, err := s.backend.LoadRules(ctx)
		if err != nil {
			return err
		}
		_, idx, ok := rule.Find(cur, id)
		if !ok {
			return nil
		}
		next := cur[idx].Clone()
		if mutate != nil {
			next = safeMutate(mutate, next)
		}
		next.ID = cur[idx].ID
		next = next.WithRunCount(next.RunCount)
		cur[idx] = next
		if err := s.backend.SaveRules(ctx, cur); err != nil {
			return err
		}
		updated, found = next.Clone(), true
		return nil
	})
	if err != nil {
		return rule.Rule{}, false, err
	}
	return updated, found, nil
}

// safeMutate runs mutate, falling back to the unmodified copy if it panics.
func safeMutate(mutate func(rule.Rule) rule.Rule, r rule.Rule) (out rule.Rule) {
	out = r
	defer func() {
		if recover() != nil {
			out = r
		}
	}()
	return mutate(r.Clone())
}

// Mutate runs fn against the current list inside the writer and stores what it returns.
// Unlike WriteAll, an empty result is stored as-is. fn returning an error aborts the write.
func (s *Store) Mutate(ctx context.Context, fn func([]rule.Rule) ([]rule.Rule, error)) ([]rule.Rule, error) {
	var out []rule.Rule
	err := s.submit(ctx, "mutate", func(ctx context.Context) error {
		cur, err := s.backend.LoadRules(ctx)
		if err != nil {
			return err
		}
		next, err := fn(cloneRules(cur))
		if err != nil {
			return err
		}
		if err := s.backend.SaveRules(ctx, next); err != nil {
			return err
		}
		out = cloneRules(next)
		return nil
	})
	return out, err
}

// SetCheckpoint records the reconciliation timestamp through the writer.
func (s *Store) SetCheckpoint(ctx context.Context, at time.Time) error {
	return s.submit(ctx, "set_checkpoint", func(ctx context.Context) error {
		return s.backend.SaveCheckpoint(ctx, at)
	})
}

func (s *Store) closed() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

// Close drains writers already handed to the queue, stops the writer and closes the backend.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		<-s.done
		s.closeErr = s.backend.Close()
	})
	return s.closeErr
}
