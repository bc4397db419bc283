package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openwhen/internal/delivery"
	"openwhen/internal/eventbus"
	"openwhen/internal/rule"
	"openwhen/internal/store"
	"openwhen/internal/timer"
	logx "openwhen/pkg/logx"
)

type call struct {
	unit rule.Unit
	opt  delivery.Options
}

type recorder struct {
	mu          sync.Mutex
	calls       []call
	err         error
	unconfirmed bool
	fallback    bool
}

func (r *recorder) Deliver(ctx context.Context, u rule.Unit, opt delivery.Options) (delivery.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{unit: u, opt: opt})
	switch {
	case r.err != nil:
		return delivery.Result{}, r.err
	case r.unconfirmed:
		return delivery.Result{}, nil
	case r.fallback:
		return delivery.Result{ConfirmedFallback: true, Channel: "fallback"}, nil
	}
	return delivery.Result{ConfirmedPrimary: true, Channel: "primary"}, nil
}

func (r *recorder) set(fn func(r *recorder)) {
	r.mu.Lock()
	fn(r)
	r.mu.Unlock()
}

func (r *recorder) got() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

type harness struct {
	t      *testing.T
	st     *store.Store
	timers *timer.Manual
	out    *recorder
	bus    *eventbus.MemBus
	eng    *Engine

	mu  sync.Mutex
	now time.Time
}

func newHarness(t *testing.T, now time.Time, rules ...rule.Rule) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		st:     store.New(store.NewMemory(rules...), logx.Nop()),
		timers: timer.NewManual(),
		out:    &recorder{},
		bus:    eventbus.New(),
		now:    now,
	}
	t.Cleanup(func() { _ = h.st.Close() })
	h.eng = New(Config{Location: time.UTC}, h.st, h.timers, h.out, logx.Nop(), h.bus, WithClock(h.clock))
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) setNow(t time.Time) {
	h.mu.Lock()
	h.now = t
	h.mu.Unlock()
}

func (h *harness) checkpoint(at time.Time) {
	h.t.Helper()
	require.NoError(h.t, h.st.SetCheckpoint(context.Background(), at))
}

func (h *harness) rule(id string) rule.Rule {
	h.t.Helper()
	rules, err := h.st.ReadAll(context.Background())
	require.NoError(h.t, err)
	r, _, ok := rule.Find(rules, id)
	require.True(h.t, ok, "rule %s not stored", id)
	return r
}

func (h *harness) rebuild(opt RebuildOptions) Report {
	h.t.Helper()
	rep, err := h.eng.Rebuild(context.Background(), opt)
	require.NoError(h.t, err)
	return rep
}

func utc(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func daily(id string, hh, mm int) rule.Rule {
	return rule.Rule{
		ID:        id,
		Kind:      rule.KindDaily,
		TimeOfDay: rule.TimeOfDay{Hour: hh, Minute: mm},
		Target:    rule.Target{URL: "https://example.com/" + id},
	}
}

// 2026-10-14 is a Wednesday.
var wed10 = utc(2026, 10, 14, 10, 0)

func TestRebuildCatchesUpMissedDailyOccurrences(t *testing.T) {
	t.Parallel()
	h := newHarness(t, wed10, daily("r1", 9, 0))
	h.checkpoint(wed10.Add(-72 * time.Hour))
	events, unsub := h.bus.Subscribe(32)
	defer unsub()

	rep := h.rebuild(RebuildOptions{Trigger: TriggerRescan})
	assert.Equal(t, 3, rep.Missed)
	assert.Equal(t, 1, rep.CaughtUp)
	assert.Equal(t, 1, rep.Scheduled)
	assert.True(t, rep.OK())

	calls := h.out.got()
	require.Len(t, calls, 1, "one consolidated delivery")
	assert.True(t, calls[0].opt.IsLate)
	assert.Equal(t, 3, calls[0].opt.MissedCount)
	assert.True(t, calls[0].opt.MostRecentMissedAt.Equal(utc(2026, 10, 14, 9, 0)))

	r := h.rule("r1")
	assert.Equal(t, 3, r.RunCount)
	assert.True(t, r.LastFiredAt.Equal(wed10))
	assert.True(t, r.CountedAt.Equal(wed10))

	when, ok := h.timers.When("openwhen_r1")
	require.True(t, ok)
	assert.True(t, when.Equal(utc(2026, 10, 15, 9, 0)), when)

	ckpt, ok, err := h.st.ReadCheckpoint(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, ckpt.Equal(wed10))

	var pass *eventbus.PassEvent
	for len(events) > 0 {
		e := <-events
		if e.Type == eventbus.PassDone {
			p := e.Data.(eventbus.PassEvent)
			pass = &p
		}
	}
	require.NotNil(t, pass)
	assert.Equal(t, TriggerRescan, pass.Trigger)
	assert.Equal(t, 1, pass.CaughtUp)
}

func TestRebuildIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, wed10, daily("r1", 9, 0), daily("r2", 7, 30))
	h.checkpoint(wed10.Add(-72 * time.Hour))

	h.rebuild(RebuildOptions{})
	first := h.out.got()
	require.Len(t, first, 2)

	rep := h.rebuild(RebuildOptions{})
	assert.Zero(t, rep.Missed)
	assert.Zero(t, rep.CaughtUp)
	assert.Len(t, h.out.got(), 2, "second pass delivers nothing")
	assert.Equal(t, 3, h.rule("r1").RunCount)
	assert.Equal(t, 3, h.rule("r2").RunCount)
	assert.Len(t, h.timers.List(), 2)
}

func TestRebuildPastOnceRuleExpires(t *testing.T) {
	t.Parallel()
	once := rule.Rule{ID: "o1", Kind: rule.KindOnce, When: wed10.Add(-2 * time.Hour)}
	h := newHarness(t, wed10, once)

	rep := h.rebuild(RebuildOptions{})
	require.Len(t, h.out.got(), 1)
	r := h.rule("o1")
	assert.Equal(t, 1, r.RunCount)
	assert.True(t, r.Expired())
	assert.Equal(t, 1, rep.Expired)
	assert.Empty(t, h.timers.List())
}

func TestRebuildSchedulesWeeklyLaterToday(t *testing.T) {
	t.Parallel()
	weekly := rule.Rule{
		ID:         "w1",
		Kind:       rule.KindWeekly,
		DaysOfWeek: []int{1, 3, 5},
		TimeOfDay:  rule.TimeOfDay{Hour: 12},
	}
	h := newHarness(t, utc(2026, 10, 14, 11, 0), weekly)

	h.rebuild(RebuildOptions{})
	assert.Empty(t, h.out.got())
	when, ok := h.timers.When("openwhen_w1")
	require.True(t, ok)
	assert.True(t, when.Equal(utc(2026, 10, 14, 12, 0)), when)
}

func TestGroupSharesOneTimerAndIncrement(t *testing.T) {
	t.Parallel()
	a, b := daily("a", 9, 0), daily("b", 9, 0)
	a.GroupID, b.GroupID = "g1", "g1"
	h := newHarness(t, wed10, a, b)
	h.checkpoint(wed10)

	h.rebuild(RebuildOptions{})
	entries := h.timers.List()
	require.Len(t, entries, 1)
	assert.Equal(t, "openwhen_a", entries[0].Key)

	h.setNow(utc(2026, 10, 15, 9, 0).Add(5 * time.Second))
	_, err := h.eng.HandleFire(context.Background(), "openwhen_a", entries[0].When)
	require.NoError(t, err)

	calls := h.out.got()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"a", "b"}, calls[0].unit.IDs())
	assert.False(t, calls[0].opt.IsLate)

	ra, rb := h.rule("a"), h.rule("b")
	assert.Equal(t, 1, ra.RunCount)
	assert.Equal(t, ra.RunCount, rb.RunCount)
	assert.True(t, ra.LastFiredAt.Equal(rb.LastFiredAt))

	entries = h.timers.List()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].When.Equal(utc(2026, 10, 16, 9, 0)))
}

func TestGroupCatchUpDeliversOnce(t *testing.T) {
	t.Parallel()
	a, b := daily("a", 9, 0), daily("b", 9, 0)
	a.GroupID, b.GroupID = "g1", "g1"
	h := newHarness(t, wed10, a, b)
	h.checkpoint(wed10.Add(-48 * time.Hour))

	h.rebuild(RebuildOptions{})
	require.Len(t, h.out.got(), 1)
	assert.Equal(t, 2, h.rule("a").RunCount)
	assert.Equal(t, 2, h.rule("b").RunCount)
	assert.Len(t, h.timers.List(), 1)
}

func TestStopAfterReachedIsNeverScheduled(t *testing.T) {
	t.Parallel()
	r := daily("r1", 9, 0)
	r.StopAfter, r.RunCount = 3, 3
	h := newHarness(t, wed10, r)
	h.checkpoint(wed10.Add(-72 * time.Hour))

	rep := h.rebuild(RebuildOptions{})
	assert.Equal(t, 1, rep.Expired)
	assert.Zero(t, rep.Scheduled)
	assert.Empty(t, h.out.got())
	assert.Empty(t, h.timers.List())
	assert.Equal(t, 3, h.rule("r1").RunCount)
}

func TestCatchUpIsCappedAtStopAfter(t *testing.T) {
	t.Parallel()
	r := daily("r1", 9, 0)
	r.StopAfter, r.RunCount = 5, 3
	h := newHarness(t, wed10, r)
	h.checkpoint(wed10.Add(-96 * time.Hour))

	h.rebuild(RebuildOptions{})
	calls := h.out.got()
	require.Len(t, calls, 1)
	assert.Equal(t, 4, calls[0].opt.MissedCount)
	assert.Equal(t, 5, h.rule("r1").RunCount)
	assert.Empty(t, h.timers.List())
}

func TestSuppressLateDelivery(t *testing.T) {
	t.Parallel()
	h := newHarness(t, wed10, daily("r1", 9, 0))
	h.checkpoint(wed10.Add(-72 * time.Hour))

	rep := h.rebuild(RebuildOptions{SuppressLateDelivery: true, Trigger: TriggerStartup})
	assert.Equal(t, 3, rep.Missed)
	assert.Zero(t, rep.CaughtUp)
	assert.Empty(t, h.out.got())
	assert.Zero(t, h.rule("r1").RunCount)
	assert.Len(t, h.timers.List(), 1)

	ckpt, _, err := h.st.ReadCheckpoint(context.Background())
	require.NoError(t, err)
	assert.True(t, ckpt.Equal(wed10))
}

func TestFallbackConfirmationCountsAsDelivered(t *testing.T) {
	t.Parallel()
	h := newHarness(t, wed10, daily("r1", 9, 0))
	h.checkpoint(wed10.Add(-24 * time.Hour))
	h.out.set(func(r *recorder) { r.fallback = true })

	h.rebuild(RebuildOptions{})
	assert.Equal(t, 1, h.rule("r1").RunCount)
}

func TestFailedDeliveryIsRetriedNextPass(t *testing.T) {
	t.Parallel()
	old := wed10.Add(-72 * time.Hour)
	h := newHarness(t, wed10, daily("r1", 9, 0), daily("r2", 8, 0))
	h.checkpoint(old)
	h.out.set(func(r *recorder) { r.err = errors.New("no surface") })

	rep := h.rebuild(RebuildOptions{})
	require.Len(t, rep.Failures, 2)
	assert.Equal(t, "deliver", rep.Failures[0].Op)
	assert.Zero(t, h.rule("r1").RunCount)
	assert.Len(t, h.timers.List(), 2, "timers are registered even when catch-up fails")
	ckpt, _, err := h.st.ReadCheckpoint(context.Background())
	require.NoError(t, err)
	assert.True(t, ckpt.Equal(old), "checkpoint held")

	h.out.set(func(r *recorder) { r.err = nil; r.calls = nil })
	h.setNow(wed10.Add(time.Minute))
	rep = h.rebuild(RebuildOptions{})
	assert.True(t, rep.OK())
	assert.Len(t, h.out.got(), 2)
	assert.Equal(t, 3, h.rule("r1").RunCount)
}

func TestPartialFailureDoesNotRedeliverConfirmedUnits(t *testing.T) {
	t.Parallel()
	h := newHarness(t, wed10, daily("ok", 9, 0), daily("bad", 8, 0))
	h.checkpoint(wed10.Add(-24 * time.Hour))

	// First unit confirms, second does not.
	var n int
	h.eng.out = delivererFunc(func(ctx context.Context, u rule.Unit, opt delivery.Options) (delivery.Result, error) {
		n++
		if u.Owner.ID == "bad" {
			return delivery.Result{}, errors.New("boom")
		}
		return delivery.Result{ConfirmedPrimary: true}, nil
	})
	h.rebuild(RebuildOptions{})
	require.Equal(t, 2, n)
	assert.Equal(t, 1, h.rule("ok").RunCount)

	h.eng.out = h.out
	h.setNow(wed10.Add(time.Minute))
	h.rebuild(RebuildOptions{})
	calls := h.out.got()
	require.Len(t, calls, 1)
	assert.Equal(t, "bad", calls[0].unit.Owner.ID)
	assert.Equal(t, 1, h.rule("ok").RunCount)
	assert.Equal(t, 1, h.rule("bad").RunCount)
}

type delivererFunc func(ctx context.Context, u rule.Unit, opt delivery.Options) (delivery.Result, error)

func (f delivererFunc) Deliver(ctx context.Context, u rule.Unit, opt delivery.Options) (delivery.Result, error) {
	return f(ctx, u, opt)
}

func TestRebuildClearsOnlyOwnedTimers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, wed10)
	require.NoError(t, h.timers.Register("other_key", wed10.Add(time.Hour)))
	require.NoError(t, h.timers.Register("openwhen_stale", wed10.Add(time.Hour)))

	h.rebuild(RebuildOptions{})
	entries := h.timers.List()
	require.Len(t, entries, 1)
	assert.Equal(t, "other_key", entries[0].Key)
}

func TestMergeMax(t *testing.T) {
	t.Parallel()
	later := wed10.Add(time.Hour)
	a, b, c := daily("a", 9, 0), daily("b", 9, 0), daily("c", 9, 0)
	a.RunCount = 5
	b.RunCount, b.LastFiredAt, b.CountedAt = 1, wed10, wed10
	stored := []rule.Rule{a, b}

	localA := a.WithRunCount(3)
	localB := b.Fired(1, later)
	out := mergeMax(stored, map[string]rule.Rule{"a": localA, "b": localB, "c": c})

	require.Len(t, out, 2, "rules deleted from storage stay deleted")
	assert.Equal(t, 5, out[0].RunCount)
	assert.Equal(t, 2, out[1].RunCount)
	assert.True(t, out[1].LastFiredAt.Equal(later))
	assert.True(t, out[1].CountedAt.Equal(later))
}

func TestHandleFireIgnoresUnknownKeys(t *testing.T) {
	t.Parallel()
	h := newHarness(t, wed10, daily("r1", 9, 0))

	_, err := h.eng.HandleFire(context.Background(), "openwhen_gone", wed10)
	require.NoError(t, err)
	_, err = h.eng.HandleFire(context.Background(), "someone_else", wed10)
	require.NoError(t, err)
	assert.Empty(t, h.out.got())
	assert.Zero(t, h.rule("r1").RunCount)
}

func TestHandleFireLateness(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		checkpoint time.Time
		now        time.Time
		late       bool
		runs       int
	}{
		{name: "on time", checkpoint: utc(2026, 10, 14, 8, 0), now: utc(2026, 10, 14, 9, 0).Add(2 * time.Second), late: false, runs: 1},
		{name: "over threshold", checkpoint: utc(2026, 10, 14, 8, 0), now: utc(2026, 10, 14, 9, 5), late: true, runs: 1},
		{name: "several missed", checkpoint: utc(2026, 10, 12, 8, 0), now: utc(2026, 10, 14, 9, 0).Add(time.Second), late: true, runs: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, tt.now, daily("r1", 9, 0))
			h.checkpoint(tt.checkpoint)

			_, err := h.eng.HandleFire(context.Background(), "openwhen_r1", utc(2026, 10, 14, 9, 0))
			require.NoError(t, err)
			calls := h.out.got()
			require.Len(t, calls, 1)
			assert.Equal(t, tt.late, calls[0].opt.IsLate)
			if tt.late {
				assert.Equal(t, tt.runs, calls[0].opt.MissedCount)
			}
			assert.Equal(t, tt.runs, h.rule("r1").RunCount)
			when, ok := h.timers.When("openwhen_r1")
			require.True(t, ok)
			assert.True(t, when.Equal(utc(2026, 10, 15, 9, 0)))
		})
	}
}

func TestHandleFireOnceNeverReregisters(t *testing.T) {
	t.Parallel()
	at := utc(2026, 10, 14, 12, 0)
	h := newHarness(t, wed10, rule.Rule{ID: "o1", Kind: rule.KindOnce, When: at})
	h.rebuild(RebuildOptions{})
	when, ok := h.timers.Pop("openwhen_o1")
	require.True(t, ok)
	require.True(t, when.Equal(at))

	h.setNow(at.Add(time.Second))
	_, err := h.eng.HandleFire(context.Background(), "openwhen_o1", when)
	require.NoError(t, err)
	assert.Equal(t, 1, h.rule("o1").RunCount)
	assert.Empty(t, h.timers.List())

	h.rebuild(RebuildOptions{})
	assert.Len(t, h.out.got(), 1)
	assert.Empty(t, h.timers.List())
}

func TestHandleFireSkipsOccurrenceAlreadyDelivered(t *testing.T) {
	t.Parallel()
	r := daily("r1", 9, 0)
	r.RunCount = 1
	r.LastFiredAt = utc(2026, 10, 14, 9, 0).Add(30 * time.Second)
	r.CountedAt = r.LastFiredAt
	h := newHarness(t, utc(2026, 10, 14, 9, 1), r)

	_, err := h.eng.HandleFire(context.Background(), "openwhen_r1", utc(2026, 10, 14, 9, 0))
	require.NoError(t, err)
	assert.Empty(t, h.out.got())
	assert.Equal(t, 1, h.rule("r1").RunCount)
}

func TestHandleFireFailedDeliveryLeavesCount(t *testing.T) {
	t.Parallel()
	h := newHarness(t, utc(2026, 10, 14, 9, 0).Add(time.Second), daily("r1", 9, 0))
	h.checkpoint(utc(2026, 10, 14, 8, 59))
	h.out.set(func(r *recorder) { r.unconfirmed = true })

	rep, err := h.eng.HandleFire(context.Background(), "openwhen_r1", utc(2026, 10, 14, 9, 0))
	require.NoError(t, err)
	require.Len(t, rep.Failures, 1)
	assert.Zero(t, h.rule("r1").RunCount)
	_, ok := h.timers.When("openwhen_r1")
	assert.True(t, ok, "next occurrence still registered")

	h.out.set(func(r *recorder) { r.unconfirmed = false; r.calls = nil })
	h.rebuild(RebuildOptions{})
	calls := h.out.got()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].opt.IsLate)
	assert.Equal(t, 1, h.rule("r1").RunCount)
}

func TestCancelRemovesWholeGroup(t *testing.T) {
	t.Parallel()
	a, b := daily("a", 9, 0), daily("b", 9, 0)
	a.GroupID, b.GroupID = "g1", "g1"
	h := newHarness(t, wed10, a, b, daily("c", 9, 0))
	h.checkpoint(wed10)
	h.rebuild(RebuildOptions{})
	require.Len(t, h.timers.List(), 2)

	ids, err := h.eng.Cancel(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	rules, err := h.st.ReadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "c", rules[0].ID)
	entries := h.timers.List()
	require.Len(t, entries, 1)
	assert.Equal(t, "openwhen_c", entries[0].Key)

	_, err = h.eng.Cancel(context.Background(), "zzz")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancelLastRuleEmptiesStore(t *testing.T) {
	t.Parallel()
	h := newHarness(t, wed10, daily("only", 9, 0))
	_, err := h.eng.Cancel(context.Background(), "only")
	require.NoError(t, err)
	rules, err := h.st.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestOpenNowSetsLastFiredOnly(t *testing.T) {
	t.Parallel()
	r := daily("r1", 9, 0)
	r.RunCount = 2
	h := newHarness(t, wed10, r)

	res, err := h.eng.OpenNow(context.Background(), "r1")
	require.NoError(t, err)
	assert.True(t, res.Confirmed())
	calls := h.out.got()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].opt.Manual)
	assert.False(t, calls[0].opt.IsLate)

	got := h.rule("r1")
	assert.Equal(t, 2, got.RunCount)
	assert.True(t, got.LastFiredAt.Equal(wed10))

	_, err = h.eng.OpenNow(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestOpenNowKeepsPendingMissesCountable(t *testing.T) {
	t.Parallel()
	h := newHarness(t, wed10, daily("r1", 9, 0))
	h.checkpoint(utc(2026, 10, 13, 8, 0))

	_, err := h.eng.OpenNow(context.Background(), "r1")
	require.NoError(t, err)
	require.Zero(t, h.rule("r1").RunCount)

	rep := h.rebuild(RebuildOptions{})
	assert.Equal(t, 2, rep.Missed)
	assert.Equal(t, 1, rep.CaughtUp)
	calls := h.out.got()
	require.Len(t, calls, 2)
	assert.Equal(t, 2, calls[1].opt.MissedCount)
	assert.Equal(t, 2, h.rule("r1").RunCount)
}

func TestNewRuleIsNotCaughtUpBeforeCreation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, wed10)
	// A checkpoint left far behind, as after a failed pass or downtime.
	h.checkpoint(wed10.Add(-72 * time.Hour))
	draft := rule.Draft{Kind: rule.KindDaily, TimeOfDay: rule.TimeOfDay{Hour: 9}}

	created, err := h.eng.Add(context.Background(), draft)
	require.NoError(t, err)
	assert.True(t, created[0].CreatedAt.Equal(wed10))

	h.setNow(wed10.Add(time.Minute))
	rep := h.rebuild(RebuildOptions{Trigger: TriggerRescan})
	assert.Zero(t, rep.Missed)
	assert.Zero(t, rep.CaughtUp)
	assert.Empty(t, h.out.got())
	assert.Zero(t, h.rule(created[0].ID).RunCount)

	h.checkpoint(wed10.Add(-72 * time.Hour))
	h.setNow(wed10.Add(2 * time.Minute))
	repl, err := h.eng.Replace(context.Background(), created[0].ID, draft)
	require.NoError(t, err)
	h.setNow(wed10.Add(3 * time.Minute))
	rep = h.rebuild(RebuildOptions{Trigger: TriggerRescan})
	assert.Zero(t, rep.Missed)
	assert.Empty(t, h.out.got())
	assert.Zero(t, h.rule(repl[0].ID).RunCount)
}

func TestHandleFireAdvancesCheckpoint(t *testing.T) {
	t.Parallel()
	now := utc(2026, 10, 14, 9, 0).Add(2 * time.Second)
	h := newHarness(t, now, daily("r1", 9, 0))
	h.checkpoint(utc(2026, 10, 14, 4, 0))

	rep, err := h.eng.HandleFire(context.Background(), "openwhen_r1", utc(2026, 10, 14, 9, 0))
	require.NoError(t, err)
	assert.True(t, rep.Checkpoint.Equal(now))
	ckpt, ok, err := h.st.ReadCheckpoint(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, ckpt.Equal(now), ckpt)
}

func TestHandleFireLeavesHeldCheckpoint(t *testing.T) {
	t.Parallel()
	old := wed10.Add(-24 * time.Hour)
	h := newHarness(t, wed10, daily("ok", 11, 0), daily("bad", 8, 0))
	h.checkpoint(old)

	h.eng.out = delivererFunc(func(ctx context.Context, u rule.Unit, opt delivery.Options) (delivery.Result, error) {
		if u.Owner.ID == "bad" {
			return delivery.Result{}, errors.New("boom")
		}
		return delivery.Result{ConfirmedPrimary: true}, nil
	})
	h.rebuild(RebuildOptions{})
	require.Equal(t, 1, h.rule("ok").RunCount)

	h.setNow(utc(2026, 10, 14, 11, 0).Add(time.Second))
	_, err := h.eng.HandleFire(context.Background(), "openwhen_ok", utc(2026, 10, 14, 11, 0))
	require.NoError(t, err)
	require.Equal(t, 2, h.rule("ok").RunCount)
	ckpt, _, err := h.st.ReadCheckpoint(context.Background())
	require.NoError(t, err)
	assert.True(t, ckpt.Equal(old), "fire must not skip the held catch-up")

	h.eng.out = h.out
	h.rebuild(RebuildOptions{})
	calls := h.out.got()
	require.Len(t, calls, 1)
	assert.Equal(t, "bad", calls[0].unit.Owner.ID)
	assert.Equal(t, 1, h.rule("bad").RunCount)
	assert.Equal(t, 2, h.rule("ok").RunCount)
}

func TestCancelledPassStillSchedulesEveryUnit(t *testing.T) {
	t.Parallel()
	old := wed10.Add(-24 * time.Hour)
	h := newHarness(t, wed10, daily("r1", 9, 0), daily("r2", 8, 0))
	h.checkpoint(old)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.eng.out = delivererFunc(func(ctx context.Context, u rule.Unit, opt delivery.Options) (delivery.Result, error) {
		cancel()
		return delivery.Result{}, ctx.Err()
	})
	rep, err := h.eng.Rebuild(ctx, RebuildOptions{})
	require.NoError(t, err)
	require.Len(t, rep.Failures, 2)
	assert.Equal(t, 2, rep.Scheduled)
	assert.Len(t, h.timers.List(), 2)

	ckpt, _, err := h.st.ReadCheckpoint(context.Background())
	require.NoError(t, err)
	assert.True(t, ckpt.Equal(old))
}

func TestAddReadsClockAfterWaitingForLock(t *testing.T) {
	t.Parallel()
	h := newHarness(t, utc(2026, 10, 14, 17, 0), daily("busy", 9, 0))
	entered, release := make(chan struct{}), make(chan struct{})
	h.eng.out = delivererFunc(func(ctx context.Context, u rule.Unit, opt delivery.Options) (delivery.Result, error) {
		close(entered)
		<-release
		return delivery.Result{ConfirmedPrimary: true}, nil
	})

	opened := make(chan error, 1)
	go func() {
		_, err := h.eng.OpenNow(context.Background(), "busy")
		opened <- err
	}()
	<-entered

	type result struct {
		rules []rule.Rule
		err   error
	}
	added := make(chan result, 1)
	go func() {
		created, err := h.eng.Add(context.Background(), rule.Draft{Kind: rule.KindDaily, TimeOfDay: rule.TimeOfDay{Hour: 18}})
		added <- result{created, err}
	}()

	later := utc(2026, 10, 14, 18, 30)
	h.setNow(later)
	close(release)
	require.NoError(t, <-opened)

	res := <-added
	require.NoError(t, res.err)
	assert.True(t, res.rules[0].CreatedAt.Equal(later))
	when, ok := h.timers.When(res.rules[0].TimerKey())
	require.True(t, ok)
	assert.True(t, when.Equal(utc(2026, 10, 15, 18, 0)), when)
}

func TestAddAndReplace(t *testing.T) {
	t.Parallel()
	h := newHarness(t, wed10, daily("x", 7, 0), daily("y", 8, 0))
	draft := func(url string) rule.Draft {
		return rule.Draft{Kind: rule.KindDaily, TimeOfDay: rule.TimeOfDay{Hour: 18}, Target: rule.Target{URL: url}}
	}

	created, err := h.eng.Add(context.Background(), draft("https://a"), draft("https://b"))
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.NotEmpty(t, created[0].GroupID)
	assert.Equal(t, created[0].GroupID, created[1].GroupID)
	when, ok := h.timers.When(created[0].TimerKey())
	require.True(t, ok)
	assert.True(t, when.Equal(utc(2026, 10, 14, 18, 0)))
	_, ok = h.timers.When(created[1].TimerKey())
	assert.False(t, ok, "only the owner holds a timer")

	rules, err := h.st.ReadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 4)

	// Move the group between x and y, then replace it with a single rule.
	_, err = h.st.Mutate(context.Background(), func(cur []rule.Rule) ([]rule.Rule, error) {
		return []rule.Rule{cur[0], cur[2], cur[3], cur[1]}, nil
	})
	require.NoError(t, err)

	repl, err := h.eng.Replace(context.Background(), created[1].ID, draft("https://c"))
	require.NoError(t, err)
	require.Len(t, repl, 1)
	assert.NotEqual(t, created[0].ID, repl[0].ID)
	assert.Zero(t, repl[0].RunCount)

	rules, err = h.st.ReadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, []string{"x", repl[0].ID, "y"}, []string{rules[0].ID, rules[1].ID, rules[2].ID})
	_, ok = h.timers.When(created[0].TimerKey())
	assert.False(t, ok)
	_, ok = h.timers.When(repl[0].TimerKey())
	assert.True(t, ok)

	_, err = h.eng.Replace(context.Background(), "missing", draft("https://d"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAddRejectsInvalidDrafts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, wed10)

	_, err := h.eng.Add(context.Background(), rule.Draft{Kind: rule.KindOnce, When: wed10.Add(-time.Hour)})
	assert.ErrorIs(t, err, rule.ErrInvalid)
	_, err = h.eng.Add(context.Background(), rule.Draft{Kind: rule.KindWeekly})
	assert.ErrorIs(t, err, rule.ErrInvalid)

	rules, err := h.st.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestListOrders(t *testing.T) {
	t.Parallel()
	a := daily("a", 18, 0)
	a.RunCount = 1
	b := daily("b", 12, 0)
	b.RunCount = 7
	done := rule.Rule{ID: "done", Kind: rule.KindOnce, When: wed10.Add(-time.Hour), RunCount: 1}
	h := newHarness(t, wed10, a, done, b)

	ids := func(vs []View) []string {
		out := make([]string, 0, len(vs))
		for _, v := range vs {
			out = append(out, v.Rule.ID)
		}
		return out
	}

	vs, err := h.eng.List(context.Background(), OrderNextAsc)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "done"}, ids(vs))
	assert.True(t, vs[2].Expired)
	assert.True(t, vs[2].Next.IsZero())
	assert.True(t, vs[0].Next.Equal(utc(2026, 10, 14, 12, 0)))
	assert.NotEmpty(t, vs[0].Schedule)

	vs, err = h.eng.List(context.Background(), OrderNextDesc)
	require.NoError(t, err)
	assert.Equal(t, []string{"done", "a", "b"}, ids(vs))

	vs, err = h.eng.List(context.Background(), OrderRunsDesc)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "done"}, ids(vs))

	vs, err = h.eng.List(context.Background(), OrderStored)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "done", "b"}, ids(vs))

	_, err = ParseOrder("sideways")
	assert.Error(t, err)
	o, err := ParseOrder(" -RUNS ")
	require.NoError(t, err)
	assert.Equal(t, OrderRunsDesc, o)
}

func TestServeFeedsFires(t *testing.T) {
	t.Parallel()
	h := newHarness(t, utc(2026, 10, 14, 9, 0).Add(time.Second), daily("r1", 9, 0))
	h.checkpoint(utc(2026, 10, 14, 8, 0))

	fired := make(chan timer.Fire, 1)
	fired <- timer.Fire{Key: "openwhen_r1", ScheduledAt: utc(2026, 10, 14, 9, 0)}
	close(fired)
	require.NoError(t, h.eng.Serve(context.Background(), fired))
	assert.Equal(t, 1, h.rule("r1").RunCount)
}

func TestConcurrentFiresAndPassesDoNotDoubleCount(t *testing.T) {
	t.Parallel()
	h := newHarness(t, utc(2026, 10, 14, 9, 0).Add(time.Second), daily("r1", 9, 0))
	h.checkpoint(utc(2026, 10, 14, 8, 0))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = h.eng.HandleFire(context.Background(), "openwhen_r1", utc(2026, 10, 14, 9, 0))
		}()
		go func() {
			defer wg.Done()
			_, _ = h.eng.Rebuild(context.Background(), RebuildOptions{Trigger: TriggerRescan})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, h.rule("r1").RunCount)
	assert.Len(t, h.out.got(), 1)
}
