// Package supervisor runs the daemon's long-lived loops under one context.
package supervisor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	logx "openwhen/pkg/logx"
)

// Supervisor recovers panics, records the first failure and, with
// WithCancelOnError, cancels every sibling when one task fails.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group
	log    logx.Logger

	cancelOnErr bool

	mu       sync.Mutex
	firstErr error
	tasks    map[string]*TaskStats

	waitOnce sync.Once
	done     chan struct{}
	groupErr error
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

func WithCancelOnError(on bool) Option { return func(s *Supervisor) { s.cancelOnErr = on } }

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, tasks: map[string]*TaskStats{}, done: make(chan struct{})}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first failure recorded, or nil.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}

// Go runs fn once. Returning context.Canceled counts as a clean stop.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.group.Go(func() error {
		err := s.run(name, false, fn)
		if err != nil {
			err = fmt.Errorf("%s: %w", name, err)
			s.fail(err)
		}
		return err
	})
}

// Go0 is Go for loops that cannot fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	s.Go(name, func(ctx context.Context) error { fn(ctx); return nil })
}

// run executes one attempt and keeps the task's stats.
func (s *Supervisor) run(name string, restart bool, fn func(ctx context.Context) error) (err error) {
	started := s.begin(name, restart)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked", logx.String("task", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			s.track(name, func(t *TaskStats) { t.Panics++; t.LastPanic = fmt.Sprint(r) })
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
		s.end(name, started, err)
	}()
	err = fn(s.ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// RestartPolicy controls GoRestart.
type RestartPolicy struct {
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// MaxRestarts <= 0 restarts forever. The first run is not a restart.
	MaxRestarts int
	// FatalOnFinalError records the last error as the supervisor failure once
	// restarts are exhausted.
	FatalOnFinalError bool
}

type RestartOption func(*RestartPolicy)

func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *RestartPolicy) {
		if min > 0 {
			p.MinBackoff = min
		}
		if max > 0 {
			p.MaxBackoff = max
		}
	}
}

func WithMaxRestarts(n int) RestartOption { return func(p *RestartPolicy) { p.MaxRestarts = n } }

func WithFatalOnFinalError(on bool) RestartOption {
	return func(p *RestartPolicy) { p.FatalOnFinalError = on }
}

// stableRun resets the backoff when an attempt lived at least this long.
const stableRun = 30 * time.Second

// GoRestart reruns fn after an error or panic with jittered exponential
// backoff. A clean return ends the task.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	p := RestartPolicy{MinBackoff: 250 * time.Millisecond, MaxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&p)
	}
	p.MaxBackoff = max(p.MaxBackoff, p.MinBackoff)

	s.group.Go(func() error {
		backoff := p.MinBackoff
		for restarts := 0; s.ctx.Err() == nil; restarts++ {
			began := time.Now()
			err := s.run(name, restarts > 0, fn)
			if err == nil || s.ctx.Err() != nil {
				return nil
			}
			if p.MaxRestarts > 0 && restarts >= p.MaxRestarts {
				err = fmt.Errorf("%s: %w", name, err)
				s.log.Error("task gave up", logx.String("task", name), logx.Int("restarts", restarts), logx.Err(err))
				if p.FatalOnFinalError {
					s.fail(err)
					return err
				}
				return nil
			}
			if time.Since(began) >= stableRun {
				backoff = p.MinBackoff
			}
			wait := backoff + time.Duration(rand.Int64N(int64(backoff/5)+1))
			s.log.Warn("task restarting", logx.String("task", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			backoff = min(backoff*2, p.MaxBackoff)
		}
		return nil
	})
}

// Stop cancels and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every task returned or ctx is done, and reports the first failure.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.groupErr = s.group.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		if err := s.Err(); err != nil {
			return err
		}
		return s.groupErr
	}
}

// TaskStats aggregates every run of one named task.
type TaskStats struct {
	Name        string        `json:"name"`
	Running     bool          `json:"running"`
	Runs        int           `json:"runs"`
	Restarts    int           `json:"restarts"`
	Panics      int           `json:"panics"`
	LastStartAt time.Time     `json:"last_start_at"`
	LastStopAt  time.Time     `json:"last_stop_at,omitzero"`
	LastErr     string        `json:"last_err,omitempty"`
	LastPanic   string        `json:"last_panic,omitempty"`
	Uptime      time.Duration `json:"uptime"`
}

// Snapshot is the health view served by the API.
type Snapshot struct {
	Running    int         `json:"running"`
	FirstError string      `json:"first_error,omitempty"`
	Tasks      []TaskStats `json:"tasks"`
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var snap Snapshot
	if s.firstErr != nil {
		snap.FirstError = s.firstErr.Error()
	}
	for _, t := range s.tasks {
		if t.Running {
			snap.Running++
		}
		snap.Tasks = append(snap.Tasks, *t)
	}
	slices.SortFunc(snap.Tasks, func(a, b TaskStats) int { return cmp.Compare(a.Name, b.Name) })
	return snap
}

func (s *Supervisor) track(name string, fn func(t *TaskStats)) {
	s.mu.Lock()
	t := s.tasks[name]
	if t == nil {
		t = &TaskStats{Name: name}
		s.tasks[name] = t
	}
	fn(t)
	s.mu.Unlock()
}

func (s *Supervisor) begin(name string, restart bool) time.Time {
	now := time.Now()
	s.track(name, func(t *TaskStats) {
		t.Running = true
		t.Runs++
		if restart {
			t.Restarts++
		}
		t.LastStartAt = now
	})
	return now
}

func (s *Supervisor) end(name string, started time.Time, err error) {
	now := time.Now()
	s.track(name, func(t *TaskStats) {
		t.Running = false
		t.LastStopAt = now
		t.Uptime += now.Sub(started)
		if err != nil {
			t.LastErr = err.Error()
		}
	})
}
