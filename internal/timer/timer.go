package timer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "openwhen/pkg/logx"
)

// Entry is a pending keyed timer.
type Entry struct {
	Key  string    `json:"key"`
	When time.Time `json:"when"`
}

// Fire is delivered on Service.Fired when a keyed timer elapses.
type Fire struct {
	Key         string
	ScheduledAt time.Time
	FiredAt     time.Time
}

// Registry is the keyed one-shot timer surface the reconciler drives.
// Registering an existing key replaces it.
type Registry interface {
	Register(key string, when time.Time) error
	Cancel(key string) bool
	CancelPrefix(prefix string) int
	List() []Entry
}

// Service runs keyed one-shot timers on time.AfterFunc and periodic jobs on cron.
type Service struct {
	log logx.Logger
	loc *time.Location
	now func() time.Time

	tmu    sync.Mutex
	timers map[string]*time.Timer
	at     map[string]time.Time
	ver    map[string]uint64

	fired chan Fire

	mu     sync.Mutex
	parser cron.Parser
	c      *cron.Cron
	runCtx context.Context
	quit   chan struct{}
}

type Option func(*Service)

// WithLocation sets the cron location. Keyed timers are absolute instants and ignore it.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithClock overrides time.Now for fire timestamps and delay computation.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:    log.With(logx.String("comp", "timer")),
		loc:    time.Local,
		now:    time.Now,
		timers: map[string]*time.Timer{},
		at:     map[string]time.Time{},
		ver:    map[string]uint64{},
		fired:  make(chan Fire, 64),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		quit:   make(chan struct{}),
		runCtx: context.Background(),
	}
	for _, o := range opts {
		o(s)
	}
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return s
}

// Start runs periodic jobs with ctx until Stop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runCtx = ctx
	s.c.Start()
	s.log.Info("timer service started", logx.String("tz", s.loc.String()))
}

// Stop halts cron, cancels every keyed timer and waits for running periodic jobs.
func (s *Service) Stop() {
	s.mu.Lock()
	select {
	case <-s.quit:
		s.mu.Unlock()
		return
	default:
	}
	close(s.quit)
	c := s.c
	s.mu.Unlock()

	<-c.Stop().Done()

	s.tmu.Lock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}
	s.at = map[string]time.Time{}
	s.tmu.Unlock()
	s.log.Info("timer service stopped")
}

// Fired streams elapsed keyed timers. It is never closed.
func (s *Service) Fired() <-chan Fire { return s.fired }

func (s *Service) Register(key string, when time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("timer key required")
	}
	if when.IsZero() {
		return errors.New("timer instant required")
	}
	select {
	case <-s.quit:
		return errors.New("timer service stopped")
	default:
	}

	s.tmu.Lock()
	defer s.tmu.Unlock()
	if t, ok := s.timers[key]; ok {
		_ = t.Stop()
		delete(s.timers, key)
	}
	// bump version so a stale callback from a replaced timer is ignored
	ver := s.ver[key] + 1
	s.ver[key] = ver
	s.at[key] = when

	delay := when.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	s.timers[key] = time.AfterFunc(delay, func() { s.elapse(key, ver) })
	s.log.Debug("timer registered", logx.String("key", key), logx.Time("when", when), logx.Duration("in", delay))
	return nil
}

func (s *Service) elapse(key string, ver uint64) {
	s.tmu.Lock()
	when, ok := s.at[key]
	if !ok || s.ver[key] != ver {
		s.tmu.Unlock()
		return
	}
	delete(s.timers, key)
	delete(s.at, key)
	s.tmu.Unlock()

	f := Fire{Key: key, ScheduledAt: when, FiredAt: s.now()}
	select {
	case s.fired <- f:
	case <-s.quit:
	}
}

func (s *Service) Cancel(key string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	return s.cancelLocked(key)
}

func (s *Service) cancelLocked(key string) bool {
	removed := false
	if t, ok := s.timers[key]; ok {
		_ = t.Stop()
		delete(s.timers, key)
		removed = true
	}
	if _, ok := s.at[key]; ok {
		delete(s.at, key)
		removed = true
	}
	if removed {
		s.ver[key]++
		s.log.Debug("timer cancelled", logx.String("key", key))
	}
	return removed
}

func (s *Service) CancelPrefix(prefix string) int {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	n := 0
	for key := range s.at {
		if strings.HasPrefix(key, prefix) && s.cancelLocked(key) {
			n++
		}
	}
	return n
}

// List returns pending keyed timers ordered by instant.
func (s *Service) List() []Entry {
	s.tmu.Lock()
	out := make([]Entry, 0, len(s.at))
	for k, w := range s.at {
		out = append(out, Entry{Key: k, When: w})
	}
	s.tmu.Unlock()
	sortEntries(out)
	return out
}

// Every registers a periodic job. expr accepts everything ParseSpec does.
func (s *Service) Every(name, expr string, job func(ctx context.Context)) (cron.EntryID, error) {
	cronSpec, err := ParseSpec(expr)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.c.AddFunc(cronSpec, func() {
		s.mu.Lock()
		ctx := s.runCtx
		s.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		job(ctx)
	})
	if err != nil {
		return 0, fmt.Errorf("schedule %s: %w", name, err)
	}
	s.log.Debug("periodic job registered", logx.String("name", name), logx.String("spec", cronSpec))
	return id, nil
}

// Remove unregisters a periodic job.
func (s *Service) Remove(id cron.EntryID) {
	s.mu.Lock()
	s.c.Remove(id)
	s.mu.Unlock()
}

func sortEntries(es []Entry) {
	slices.SortFunc(es, func(a, b Entry) int {
		if c := a.When.Compare(b.When); c != 0 {
			return c
		}
		return strings.Compare(a.Key, b.Key)
	})
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, _ := kv[i].(string)
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
