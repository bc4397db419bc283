package reconcile

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"openwhen/internal/delivery"
	"openwhen/internal/eventbus"
	"openwhen/internal/occurrence"
	"openwhen/internal/rule"
	"openwhen/internal/store"
	logx "openwhen/pkg/logx"
)

// Add stores drafts as one rule, or as a group when there is more than one, and
// schedules the new unit.
func (e *Engine) Add(ctx context.Context, drafts ...rule.Draft) ([]rule.Rule, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	now := e.clock()
	created, err := e.build(drafts, now)
	if err != nil {
		return nil, err
	}
	if _, err := e.st.Mutate(ctx, func(cur []rule.Rule) ([]rule.Rule, error) {
		return append(cur, created...), nil
	}); err != nil {
		return nil, fmt.Errorf("store rules: %w", err)
	}

	var rep Report
	e.schedule(created[0], now, &rep)
	e.log.Info("rule added",
		logx.String("rule", created[0].ID),
		logx.String("kind", string(created[0].Kind)),
		logx.Int("members", len(created)),
	)
	return created, nil
}

// Replace removes the unit containing id and inserts drafts in its place with fresh
// ids and zeroed counters.
func (e *Engine) Replace(ctx context.Context, id string, drafts ...rule.Draft) ([]rule.Rule, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	now := e.clock()
	created, err := e.build(drafts, now)
	if err != nil {
		return nil, err
	}
	var old rule.Unit
	if _, err := e.st.Mutate(ctx, func(cur []rule.Rule) ([]rule.Rule, error) {
		u, ok := rule.UnitOf(cur, id)
		if !ok {
			return nil, store.ErrNotFound
		}
		old = u
		_, pos, _ := rule.Find(cur, u.Owner.ID)
		out := without(cur, u.IDs())
		pos = min(pos, len(out))
		return slices.Insert(out, pos, created...), nil
	}); err != nil {
		return nil, err
	}

	for _, m := range old.Members {
		e.timers.Cancel(m.TimerKey())
	}
	var rep Report
	e.schedule(created[0], now, &rep)
	e.log.Info("rule replaced", logx.String("old", old.Owner.ID), logx.String("rule", created[0].ID))
	return created, nil
}

// build creates rules from drafts and rejects once rules that could never fire.
func (e *Engine) build(drafts []rule.Draft, now time.Time) ([]rule.Rule, error) {
	created, err := rule.NewGroup(drafts, now)
	if err != nil {
		return nil, err
	}
	owner := created[0]
	if owner.Kind == rule.KindOnce {
		if _, ok := occurrence.Next(owner, now); !ok {
			return nil, fmt.Errorf("%w: once rule at %s is in the past", rule.ErrInvalid, owner.When.Format(time.RFC3339))
		}
	}
	return created, nil
}

// Cancel deletes the rule with id, together with its whole group, and cancels the
// unit's timer. It returns the removed ids, or store.ErrNotFound.
func (e *Engine) Cancel(ctx context.Context, id string) ([]string, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	var removed rule.Unit
	if _, err := e.st.Mutate(ctx, func(cur []rule.Rule) ([]rule.Rule, error) {
		u, ok := rule.UnitOf(cur, id)
		if !ok {
			return nil, store.ErrNotFound
		}
		removed = u
		return without(cur, u.IDs()), nil
	}); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.log.Debug("cancel: no such rule", logx.String("rule", id))
		}
		return nil, err
	}

	for _, m := range removed.Members {
		e.timers.Cancel(m.TimerKey())
	}
	e.log.Info("rule cancelled", logx.String("rule", removed.Owner.ID), logx.Int("members", len(removed.Members)))
	e.publish(eventbus.RuleCancelled, eventbus.RuleEvent{
		RuleID: removed.Owner.ID, GroupID: removed.Owner.GroupID, Kind: string(removed.Owner.Kind),
	})
	return removed.IDs(), nil
}

// OpenNow delivers the unit containing id immediately. On confirmation every member's
// LastFiredAt is set; RunCount is left alone.
func (e *Engine) OpenNow(ctx context.Context, id string) (delivery.Result, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	rules, err := e.st.ReadAll(ctx)
	if err != nil {
		return delivery.Result{}, fmt.Errorf("read rules: %w", err)
	}
	u, ok := rule.UnitOf(rules, id)
	if !ok {
		return delivery.Result{}, store.ErrNotFound
	}
	res, err := e.out.Deliver(ctx, u, delivery.Options{Manual: true})
	if err == nil && !res.Confirmed() {
		err = ErrUnconfirmed
	}
	if err != nil {
		return res, err
	}

	now := e.clock()
	for _, m := range u.Members {
		if _, _, err := e.st.UpdateOne(ctx, m.ID, func(r rule.Rule) rule.Rule { return r.WithLastFiredAt(now) }); err != nil {
			e.log.Warn("update last fired failed", logx.String("rule", m.ID), logx.Err(err))
		}
	}
	e.publish(eventbus.RuleOpened, eventbus.RuleEvent{
		RuleID: u.Owner.ID, GroupID: u.Owner.GroupID, Kind: string(u.Owner.Kind),
		Channel: res.Channel, Fallback: res.ConfirmedFallback,
	})
	return res, nil
}

func without(rules []rule.Rule, ids []string) []rule.Rule {
	return slices.DeleteFunc(rules, func(r rule.Rule) bool { return slices.Contains(ids, r.ID) })
}

// ---- listing ----

type Order string

const (
	OrderStored      Order = ""
	OrderNextAsc     Order = "next"
	OrderNextDesc    Order = "-next"
	OrderRunsAsc     Order = "runs"
	OrderRunsDesc    Order = "-runs"
	OrderCreatedAsc  Order = "created"
	OrderCreatedDesc Order = "-created"
)

func ParseOrder(s string) (Order, error) {
	switch o := Order(strings.ToLower(strings.TrimSpace(s))); o {
	case OrderStored, OrderNextAsc, OrderNextDesc, OrderRunsAsc, OrderRunsDesc, OrderCreatedAsc, OrderCreatedDesc:
		return o, nil
	default:
		return "", fmt.Errorf("unknown order %q", s)
	}
}

// View is a rule annotated for display.
type View struct {
	Rule rule.Rule `json:"rule"`
	// Next is zero when the rule will not fire again.
	Next     time.Time `json:"next,omitzero"`
	Expired  bool      `json:"expired"`
	Owner    bool      `json:"owner"` // holds its unit's timer
	Schedule string    `json:"schedule"`
}

// List returns every stored rule annotated with its next occurrence. Rules with no
// next occurrence sort after the others in OrderNextAsc and before them in OrderNextDesc.
func (e *Engine) List(ctx context.Context, order Order) ([]View, error) {
	rules, err := e.st.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	now := e.clock()
	owners := rule.GroupOwners(rules)
	views := make([]View, 0, len(rules))
	for _, r := range rules {
		v := View{
			Rule:     r,
			Expired:  r.Expired(),
			Owner:    !r.Grouped() || owners[r.GroupID] == r.ID,
			Schedule: occurrence.Describe(r, now),
		}
		if !v.Expired {
			if next, ok := occurrence.Next(r, now); ok {
				v.Next = next
			}
		}
		views = append(views, v)
	}

	nextKey := func(v View) int64 {
		if v.Next.IsZero() {
			return 1<<63 - 1
		}
		return v.Next.UnixNano()
	}
	switch order {
	case OrderNextAsc:
		slices.SortStableFunc(views, func(a, b View) int { return cmp.Compare(nextKey(a), nextKey(b)) })
	case OrderNextDesc:
		slices.SortStableFunc(views, func(a, b View) int { return cmp.Compare(nextKey(b), nextKey(a)) })
	case OrderRunsAsc:
		slices.SortStableFunc(views, func(a, b View) int { return cmp.Compare(a.Rule.RunCount, b.Rule.RunCount) })
	case OrderRunsDesc:
		slices.SortStableFunc(views, func(a, b View) int { return cmp.Compare(b.Rule.RunCount, a.Rule.RunCount) })
	case OrderCreatedAsc:
		slices.SortStableFunc(views, func(a, b View) int { return a.Rule.CreatedAt.Compare(b.Rule.CreatedAt) })
	case OrderCreatedDesc:
		slices.SortStableFunc(views, func(a, b View) int { return b.Rule.CreatedAt.Compare(a.Rule.CreatedAt) })
	}
	return views, nil
}
