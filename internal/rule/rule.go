package rule

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalid is returned (wrapped) when a rule draft is missing fields required for its kind.
var ErrInvalid = errors.New("invalid rule")

// KeyPrefix namespaces timer keys owned by openwhen.
const KeyPrefix = "openwhen_"

type Kind string

const (
	KindOnce    Kind = "once"
	KindDaily   Kind = "daily"
	KindWeekly  Kind = "weekly"
	KindMonthly Kind = "monthly"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindOnce, KindDaily, KindWeekly, KindMonthly:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalid, s)
	}
}

// TimeOfDay is a local wall-clock HH:MM.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return TimeOfDay{}, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

func (t TimeOfDay) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	if len(strings.TrimSpace(string(b))) == 0 {
		*t = TimeOfDay{}
		return nil
	}
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// On returns the instant at this time of day on the calendar day of d (in d's location).
func (t TimeOfDay) On(d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), t.Hour, t.Minute, 0, 0, d.Location())
}

// Target is the delivery payload. The scheduling core never interprets it.
type Target struct {
	URL        string `json:"url,omitempty"`
	OpenIn     string `json:"open_in,omitempty"` // "tab" | "window"
	Background bool   `json:"background,omitempty"`
	Message    string `json:"message,omitempty"`
	Source     string `json:"source,omitempty"`
}

// Rule is a persisted scheduling definition.
//
// Rule is a value: the With* methods return modified copies and never touch the receiver.
// Time fields use the zero value for "unset".
type Rule struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	When        time.Time `json:"when,omitzero"`
	TimeOfDay   TimeOfDay `json:"time_of_day"`
	DaysOfWeek  []int     `json:"days_of_week,omitempty"`
	DayOfMonth  int       `json:"day_of_month,omitempty"`
	StopAfter   int       `json:"stop_after,omitempty"`
	RunCount    int       `json:"run_count"`
	LastFiredAt time.Time `json:"last_fired_at,omitzero"`
	// CountedAt is the instant through which occurrences have been added to
	// RunCount. Manual opens move LastFiredAt but never CountedAt.
	CountedAt time.Time `json:"counted_at,omitzero"`
	Target    Target    `json:"target"`
	GroupID   string    `json:"group_id,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// Expired reports whether the rule will never be scheduled again.
func (r Rule) Expired() bool {
	if r.Kind == KindOnce && r.RunCount >= 1 {
		return true
	}
	return r.StopAfter > 0 && r.RunCount >= r.StopAfter
}

func (r Rule) Grouped() bool { return r.GroupID != "" }

// TimerKey is the external timer key for this rule.
func (r Rule) TimerKey() string { return KeyPrefix + r.ID }

// IDFromKey strips KeyPrefix. ok is false for keys openwhen does not own.
func IDFromKey(key string) (id string, ok bool) {
	if !strings.HasPrefix(key, KeyPrefix) {
		return "", false
	}
	id = strings.TrimPrefix(key, KeyPrefix)
	return id, id != ""
}

// Clone returns a deep copy.
func (r Rule) Clone() Rule {
	cp := r
	cp.DaysOfWeek = slices.Clone(r.DaysOfWeek)
	return cp
}

func (r Rule) WithRunCount(n int) Rule {
	cp := r.Clone()
	if n < 0 {
		n = 0
	}
	cp.RunCount = n
	return cp
}

func (r Rule) WithLastFiredAt(t time.Time) Rule {
	cp := r.Clone()
	cp.LastFiredAt = t
	return cp
}

func (r Rule) WithCountedAt(t time.Time) Rule {
	cp := r.Clone()
	cp.CountedAt = t
	return cp
}

// Fired returns a copy with RunCount incremented by n and both LastFiredAt and
// CountedAt set to at.
func (r Rule) Fired(n int, at time.Time) Rule {
	return r.WithRunCount(r.RunCount + n).WithLastFiredAt(at).WithCountedAt(at)
}

// Validate checks the fields required for the rule's kind.
func (r Rule) Validate() error {
	switch r.Kind {
	case KindOnce:
		if r.When.IsZero() {
			return fmt.Errorf("%w: once requires when", ErrInvalid)
		}
	case KindDaily:
	case KindWeekly:
		if len(r.DaysOfWeek) == 0 {
			return fmt.Errorf("%w: weekly requires at least one day", ErrInvalid)
		}
		for _, d := range r.DaysOfWeek {
			if d < 0 || d > 6 {
				return fmt.Errorf("%w: day of week %d out of range 0-6", ErrInvalid, d)
			}
		}
	case KindMonthly:
		if r.DayOfMonth < 1 || r.DayOfMonth > 31 {
			return fmt.Errorf("%w: day of month %d out of range 1-31", ErrInvalid, r.DayOfMonth)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, r.Kind)
	}
	if r.TimeOfDay.Hour < 0 || r.TimeOfDay.Hour > 23 || r.TimeOfDay.Minute < 0 || r.TimeOfDay.Minute > 59 {
		return fmt.Errorf("%w: time of day %s out of range", ErrInvalid, r.TimeOfDay)
	}
	if r.StopAfter < 0 {
		return fmt.Errorf("%w: stop_after must be positive", ErrInvalid)
	}
	return nil
}

// Draft is the creation input for a rule. Drafts never carry ids or counters.
type Draft struct {
	Kind       Kind      `json:"kind"`
	When       time.Time `json:"when,omitzero"`
	TimeOfDay  TimeOfDay `json:"time_of_day"`
	DaysOfWeek []int     `json:"days_of_week,omitempty"`
	DayOfMonth int       `json:"day_of_month,omitempty"`
	StopAfter  int       `json:"stop_after,omitempty"`
	Target     Target    `json:"target"`
}

// New validates a draft and assigns a fresh id.
func New(d Draft, now time.Time) (Rule, error) {
	days := slices.Clone(d.DaysOfWeek)
	slices.Sort(days)
	days = slices.Compact(days)
	r := Rule{
		ID:         uuid.NewString(),
		Kind:       d.Kind,
		When:       d.When,
		TimeOfDay:  d.TimeOfDay,
		DaysOfWeek: days,
		DayOfMonth: d.DayOfMonth,
		StopAfter:  d.StopAfter,
		Target:     d.Target,
		CreatedAt:  now,
	}
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

// NewGroup creates one rule per draft. More than one draft yields a group sharing a fresh group id.
func NewGroup(drafts []Draft, now time.Time) ([]Rule, error) {
	if len(drafts) == 0 {
		return nil, fmt.Errorf("%w: no drafts", ErrInvalid)
	}
	gid := ""
	if len(drafts) > 1 {
		gid = uuid.NewString()
	}
	out := make([]Rule, 0, len(drafts))
	for i, d := range drafts {
		if i > 0 && !sameSchedule(drafts[0], d) {
			return nil, fmt.Errorf("%w: draft %d: group members must share one schedule", ErrInvalid, i)
		}
		r, err := New(d, now)
		if err != nil {
			return nil, fmt.Errorf("draft %d: %w", i, err)
		}
		r.GroupID = gid
		out = append(out, r)
	}
	return out, nil
}

func sameSchedule(a, b Draft) bool {
	da := slices.Clone(a.DaysOfWeek)
	db := slices.Clone(b.DaysOfWeek)
	slices.Sort(da)
	slices.Sort(db)
	return a.Kind == b.Kind && a.When.Equal(b.When) && a.TimeOfDay == b.TimeOfDay &&
		slices.Equal(slices.Compact(da), slices.Compact(db)) && a.DayOfMonth == b.DayOfMonth && a.StopAfter == b.StopAfter
}
