// Package reconcile owns the scheduling state machine: catching up missed
// occurrences, firing due rules, and keeping exactly one timer per unit.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"openwhen/internal/delivery"
	"openwhen/internal/eventbus"
	"openwhen/internal/occurrence"
	"openwhen/internal/rule"
	"openwhen/internal/timer"
	logx "openwhen/pkg/logx"
)

const (
	DefaultLateThreshold = 60 * time.Second
	DefaultLookBack      = 24 * time.Hour
)

// Pass triggers.
const (
	TriggerStartup = "startup"
	TriggerInstall = "install"
	TriggerRescan  = "rescan"
	TriggerManual  = "manual"
	TriggerFire    = "fire"
)

// ErrUnconfirmed is returned when neither delivery surface confirmed.
var ErrUnconfirmed = errors.New("delivery not confirmed")

// Store is the run-state store the engine reads and mutates.
type Store interface {
	ReadAll(ctx context.Context) ([]rule.Rule, error)
	ReadCheckpoint(ctx context.Context) (time.Time, bool, error)
	UpdateOne(ctx context.Context, id string, mutate func(rule.Rule) rule.Rule) (rule.Rule, bool, error)
	Mutate(ctx context.Context, fn func([]rule.Rule) ([]rule.Rule, error)) ([]rule.Rule, error)
	SetCheckpoint(ctx context.Context, at time.Time) error
}

type Config struct {
	// LateThreshold is how far behind its scheduled instant a direct fire may run
	// before it is delivered as late.
	LateThreshold time.Duration
	// LookBack bounds the first window when no checkpoint exists.
	LookBack time.Duration
	// Cap bounds occurrence iteration per window (see occurrence.InWindow).
	Cap int
	// Location is the wall clock rules are evaluated in. nil means time.Local.
	Location *time.Location
}

func (c Config) withDefaults() Config {
	if c.LateThreshold <= 0 {
		c.LateThreshold = DefaultLateThreshold
	}
	if c.LookBack <= 0 {
		c.LookBack = DefaultLookBack
	}
	if c.Cap <= 0 {
		c.Cap = occurrence.DefaultCap
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// RebuildOptions control one reconciliation pass.
type RebuildOptions struct {
	// SuppressLateDelivery skips catch-up delivery. Missed occurrences are
	// counted in the report but neither delivered nor added to run counts.
	SuppressLateDelivery bool
	Trigger              string
}

type Option func(*Engine)

// WithClock overrides the engine clock (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine reconciles stored rules against the timer registry.
//
// Passes, direct fires and control operations are serialized on one mutex, so
// the engine never runs two of them at once even when called from several
// goroutines. Storage writes additionally go through the store's writer queue.
type Engine struct {
	st     Store
	timers timer.Registry
	out    delivery.Deliverer
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time

	mu  sync.RWMutex
	cfg Config

	opMu sync.Mutex
	// held is set while an unconfirmed delivery keeps the checkpoint back.
	// Guarded by opMu.
	held bool
}

func New(cfg Config, st Store, timers timer.Registry, out delivery.Deliverer, log logx.Logger, bus eventbus.Bus, opts ...Option) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	e := &Engine{
		st:     st,
		timers: timers,
		out:    out,
		log:    log.With(logx.String("comp", "reconcile")),
		bus:    bus,
		now:    time.Now,
		cfg:    cfg.withDefaults(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Apply swaps thresholds at runtime. It takes effect on the next pass.
func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

func (e *Engine) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

func (e *Engine) clock() time.Time {
	return e.now().In(e.config().Location)
}

// Rebuild runs one full reconciliation pass.
//
// Every openwhen timer is cleared first. Each unit then gets at most one
// consolidated late delivery for the occurrences it missed since the last
// checkpoint, and one timer for its next occurrence unless it has expired.
// Collaborator failures are recorded in the report and never abort the pass.
// The returned error is non-nil only when the rule list cannot be read.
func (e *Engine) Rebuild(ctx context.Context, opt RebuildOptions) (Report, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	began := time.Now()
	cfg := e.config()
	now := e.clock()
	if opt.Trigger == "" {
		opt.Trigger = TriggerManual
	}
	rep := Report{Trigger: opt.Trigger, StartedAt: now}
	log := e.log.With(logx.String("trigger", opt.Trigger))

	rules, err := e.st.ReadAll(ctx)
	if err != nil {
		return rep, fmt.Errorf("read rules: %w", err)
	}
	windowStart := now.Add(-cfg.LookBack)
	ckpt, ok, err := e.st.ReadCheckpoint(ctx)
	switch {
	case err != nil:
		log.Warn("read checkpoint failed, using look-back window", logx.Err(err))
	case ok:
		windowStart = ckpt.In(now.Location())
	}
	rep.Window = [2]time.Time{windowStart, now}
	rep.Rules = len(rules)

	if n := e.timers.CancelPrefix(rule.KeyPrefix); n > 0 {
		log.Debug("cleared timers", logx.Int("count", n))
	}

	fired := map[string]rule.Rule{}
	hold := false
	units := rule.Units(rules)
	rep.Units = len(units)
	for _, u := range units {
		owner := u.Owner
		if err := ctx.Err(); err != nil {
			// Timers were cleared above, so the remaining units are still scheduled.
			rep.fail(owner.ID, "deliver", err)
			hold = true
		} else {
			var failed bool
			owner, failed = e.catchUp(ctx, u, windowStart, now, cfg, opt, &rep, fired)
			hold = hold || failed
		}
		e.schedule(owner, now, &rep)
	}

	if len(fired) > 0 {
		if _, err := e.st.Mutate(ctx, func(cur []rule.Rule) ([]rule.Rule, error) {
			return mergeMax(cur, fired), nil
		}); err != nil {
			log.Warn("merge counters failed", logx.Err(err))
			rep.fail("", "merge", err)
		}
	}

	rep.Checkpoint = windowStart
	e.held = hold
	if hold {
		// Failed catch-ups stay inside the next window. Units that did deliver
		// are excluded from it by their CountedAt.
		log.Warn("checkpoint held after failed delivery", logx.Time("checkpoint", windowStart))
	} else if err := e.st.SetCheckpoint(ctx, now); err != nil {
		log.Warn("save checkpoint failed", logx.Err(err))
		rep.fail("", "checkpoint", err)
	} else {
		rep.Checkpoint = now
	}
	rep.Duration = time.Since(began)

	e.publish(eventbus.PassDone, eventbus.PassEvent{
		Trigger:    rep.Trigger,
		Rules:      rep.Rules,
		Scheduled:  rep.Scheduled,
		CaughtUp:   rep.CaughtUp,
		Expired:    rep.Expired,
		Errors:     len(rep.Failures),
		Duration:   rep.Duration,
		Checkpoint: rep.Checkpoint,
	})
	lvl := log.Info
	if opt.Trigger == TriggerRescan && rep.CaughtUp == 0 && rep.OK() {
		lvl = log.Debug
	}
	lvl("reconciled",
		logx.Int("rules", rep.Rules),
		logx.Int("missed", rep.Missed),
		logx.Int("caught_up", rep.CaughtUp),
		logx.Int("scheduled", rep.Scheduled),
		logx.Int("expired", rep.Expired),
		logx.Int("failures", len(rep.Failures)),
		logx.Duration("took", rep.Duration),
	)
	return rep, nil
}

// catchUp delivers the unit's missed occurrences once, consolidated. It returns the
// owner as it should be scheduled and whether a delivery failed.
func (e *Engine) catchUp(ctx context.Context, u rule.Unit, windowStart, now time.Time, cfg Config, opt RebuildOptions, rep *Report, fired map[string]rule.Rule) (rule.Rule, bool) {
	owner := u.Owner
	if owner.Expired() {
		return owner, false
	}
	missed := occurrence.InWindow(owner, countFloor(owner, windowStart, now.Location()), now, cfg.Cap)
	if len(missed) == 0 {
		return owner, false
	}
	rep.Missed += len(missed)
	log := e.log.With(logx.String("rule", owner.ID), logx.Int("missed", len(missed)))
	if opt.SuppressLateDelivery {
		log.Debug("late delivery suppressed")
		return owner, false
	}

	last := missed[len(missed)-1]
	res, err := e.out.Deliver(ctx, u, delivery.Options{
		IsLate:             true,
		MissedCount:        len(missed),
		MostRecentMissedAt: last,
	})
	if err == nil && !res.Confirmed() {
		err = ErrUnconfirmed
	}
	if err != nil {
		log.Warn("catch-up delivery failed", logx.Err(err))
		rep.fail(owner.ID, "deliver", err)
		e.publish(eventbus.DeliveryError, eventbus.RuleEvent{
			RuleID: owner.ID, GroupID: owner.GroupID, Kind: string(owner.Kind),
			Missed: len(missed), ScheduledAt: last, Error: err.Error(),
		})
		return owner, true
	}

	owner = e.fire(ctx, u, runs(owner, len(missed)), now, rep, fired)
	e.timers.Cancel(u.Owner.TimerKey())
	rep.CaughtUp++
	log.Info("caught up", logx.String("channel", res.Channel), logx.Bool("fallback", res.ConfirmedFallback))
	e.publish(eventbus.RuleCaughtUp, eventbus.RuleEvent{
		RuleID: owner.ID, GroupID: owner.GroupID, Kind: string(owner.Kind),
		Channel: res.Channel, Fallback: res.ConfirmedFallback, Missed: len(missed), ScheduledAt: last,
	})
	return owner, false
}

// countFloor is where a unit's uncounted occurrences begin: the window start,
// raised to the owner's creation and to its last counted firing. Manual opens
// do not move it.
func countFloor(owner rule.Rule, windowStart time.Time, loc *time.Location) time.Time {
	floor := windowStart
	for _, t := range []time.Time{owner.CreatedAt, owner.CountedAt} {
		if t.After(floor) {
			floor = t
		}
	}
	return floor.In(loc)
}

// fire adds n runs to every member of u atomically and returns the updated owner.
// Members whose write failed are recorded in fired so the end-of-pass merge can retry.
func (e *Engine) fire(ctx context.Context, u rule.Unit, n int, at time.Time, rep *Report, fired map[string]rule.Rule) rule.Rule {
	owner := u.Owner.Fired(n, at)
	for _, m := range u.Members {
		got, ok, err := e.st.UpdateOne(ctx, m.ID, func(r rule.Rule) rule.Rule { return r.Fired(n, at) })
		switch {
		case err != nil:
			e.log.Warn("update run count failed", logx.String("rule", m.ID), logx.Err(err))
			rep.fail(m.ID, "update", err)
			got = m.Fired(n, at)
		case !ok:
			// Deleted while we were delivering.
			continue
		}
		if fired != nil {
			fired[m.ID] = got
		}
		if m.ID == u.Owner.ID {
			owner = got
		}
	}
	return owner
}

// runs caps n at the runs a stop-after rule has left.
func runs(r rule.Rule, n int) int {
	if r.StopAfter > 0 {
		n = min(n, r.StopAfter-r.RunCount)
	}
	return max(n, 0)
}

// schedule registers the owner's next occurrence unless the rule is expired.
func (e *Engine) schedule(owner rule.Rule, now time.Time, rep *Report) {
	if owner.Expired() {
		rep.Expired++
		return
	}
	next, ok := occurrence.Next(owner, now)
	if !ok {
		return
	}
	if err := e.timers.Register(owner.TimerKey(), next); err != nil {
		e.log.Warn("register timer failed", logx.String("rule", owner.ID), logx.Err(err))
		rep.fail(owner.ID, "register", err)
		return
	}
	rep.Scheduled++
	e.publish(eventbus.RuleScheduled, eventbus.RuleEvent{
		RuleID: owner.ID, GroupID: owner.GroupID, Kind: string(owner.Kind), NextAt: next,
	})
}

// mergeMax raises RunCount, LastFiredAt and CountedAt of stored rules to the values in local.
// Rules missing from stored stay deleted.
func mergeMax(stored []rule.Rule, local map[string]rule.Rule) []rule.Rule {
	out := make([]rule.Rule, 0, len(stored))
	for _, s := range stored {
		l, ok := local[s.ID]
		if !ok {
			out = append(out, s)
			continue
		}
		m := s.WithRunCount(max(s.RunCount, l.RunCount))
		if l.LastFiredAt.After(m.LastFiredAt) {
			m = m.WithLastFiredAt(l.LastFiredAt)
		}
		if l.CountedAt.After(m.CountedAt) {
			m = m.WithCountedAt(l.CountedAt)
		}
		out = append(out, m)
	}
	return out
}

// HandleFire processes a timer that elapsed for key at its scheduled instant.
//
// Keys openwhen does not own, rules that no longer exist and fires already covered
// by a later delivery are ignored.
func (e *Engine) HandleFire(ctx context.Context, key string, scheduledAt time.Time) (Report, error) {
	id, ok := rule.IDFromKey(key)
	if !ok {
		return Report{}, nil
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()

	began := time.Now()
	cfg := e.config()
	now := e.clock()
	rep := Report{Trigger: TriggerFire, StartedAt: now}
	log := e.log.With(logx.String("rule", id))

	rules, err := e.st.ReadAll(ctx)
	if err != nil {
		return rep, fmt.Errorf("read rules: %w", err)
	}
	u, ok := rule.UnitOf(rules, id)
	if !ok {
		log.Debug("fired rule no longer exists")
		return rep, nil
	}
	rep.Rules, rep.Units = len(rules), 1
	owner := u.Owner
	if owner.ID != id {
		log.Debug("stray timer for group member", logx.String("owner", owner.ID))
		e.timers.Cancel(key)
		return rep, nil
	}
	if owner.Expired() {
		e.timers.Cancel(key)
		rep.Expired++
		return rep, nil
	}
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	scheduledAt = scheduledAt.In(now.Location())
	if ca := owner.CountedAt; !ca.IsZero() && !ca.Before(scheduledAt) {
		log.Debug("fire already covered", logx.Time("scheduled", scheduledAt), logx.Time("counted", ca))
		return rep, nil
	}

	windowStart := now.Add(-cfg.LookBack)
	if ckpt, ok, err := e.st.ReadCheckpoint(ctx); err != nil {
		log.Warn("read checkpoint failed, using look-back window", logx.Err(err))
	} else if ok {
		windowStart = ckpt.In(now.Location())
	}
	missed := occurrence.InWindow(owner, countFloor(owner, windowStart, now.Location()), now, cfg.Cap)
	rep.Missed = len(missed)
	n := runs(owner, max(1, len(missed)))
	late := now.Sub(scheduledAt) > cfg.LateThreshold || len(missed) > 1

	opt := delivery.Options{IsLate: late, ScheduledAt: scheduledAt}
	if late {
		opt.MissedCount = n
		opt.MostRecentMissedAt = scheduledAt
		if len(missed) > 0 {
			opt.MostRecentMissedAt = missed[len(missed)-1]
		}
	}
	res, err := e.out.Deliver(ctx, u, opt)
	if err == nil && !res.Confirmed() {
		err = ErrUnconfirmed
	}
	if err != nil {
		// No increment: the next rescan sees the occurrence as missed.
		log.Warn("delivery failed", logx.Err(err))
		rep.fail(owner.ID, "deliver", err)
		e.held = true
		e.publish(eventbus.DeliveryError, eventbus.RuleEvent{
			RuleID: owner.ID, GroupID: owner.GroupID, Kind: string(owner.Kind),
			ScheduledAt: scheduledAt, Error: err.Error(),
		})
	} else {
		owner = e.fire(ctx, u, n, now, &rep, nil)
		log.Info("fired",
			logx.Bool("late", late),
			logx.Int("runs", n),
			logx.String("channel", res.Channel),
			logx.Bool("fallback", res.ConfirmedFallback),
		)
		e.publish(eventbus.RuleFired, eventbus.RuleEvent{
			RuleID: owner.ID, GroupID: owner.GroupID, Kind: string(owner.Kind),
			Channel: res.Channel, Fallback: res.ConfirmedFallback, Missed: opt.MissedCount, ScheduledAt: scheduledAt,
		})
		e.advance(ctx, now, &rep)
	}

	if owner.Kind == rule.KindOnce {
		e.timers.Cancel(key)
	} else {
		e.schedule(owner, now, &rep)
	}
	rep.Duration = time.Since(began)
	return rep, nil
}

// advance moves the checkpoint to now after a confirmed fire, unless an earlier
// unconfirmed delivery is holding it back for the next pass.
func (e *Engine) advance(ctx context.Context, now time.Time, rep *Report) {
	if e.held {
		e.log.Debug("checkpoint held, not advanced by fire")
		return
	}
	if err := e.st.SetCheckpoint(ctx, now); err != nil {
		e.log.Warn("save checkpoint failed", logx.Err(err))
		rep.fail("", "checkpoint", err)
		return
	}
	rep.Checkpoint = now
}

// Serve feeds timer fires into HandleFire until ctx is done or fired is closed.
func (e *Engine) Serve(ctx context.Context, fired <-chan timer.Fire) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-fired:
			if !ok {
				return nil
			}
			if _, err := e.HandleFire(ctx, f.Key, f.ScheduledAt); err != nil {
				e.log.Warn("handle fire failed", logx.String("key", f.Key), logx.Err(err))
			}
		}
	}
}

// Timers returns the registered timers.
func (e *Engine) Timers() []timer.Entry { return e.timers.List() }

func (e *Engine) publish(typ string, data any) {
	e.bus.Publish(eventbus.Event{Type: typ, Time: e.clock(), Data: data})
}
