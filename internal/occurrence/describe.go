package occurrence

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"openwhen/internal/rule"
)

var weekdays = [7]rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}

// RRule expresses a recurring rule as an RFC 5545 recurrence anchored at dtstart.
// Monthly days past the 28th are encoded as BYMONTHDAY=28..d with BYSETPOS=-1 so short
// months clamp to their last day the same way InWindow does.
func RRule(r rule.Rule, dtstart time.Time) (*rrule.RRule, error) {
	opt := rrule.ROption{
		Dtstart:  dtstart,
		Byhour:   []int{r.TimeOfDay.Hour},
		Byminute: []int{r.TimeOfDay.Minute},
		Bysecond: []int{0},
	}
	if r.StopAfter > 0 {
		opt.Count = max(r.StopAfter-r.RunCount, 0)
	}

	switch r.Kind {
	case rule.KindDaily:
		opt.Freq = rrule.DAILY
	case rule.KindWeekly:
		days := validDays(r.DaysOfWeek)
		if len(days) == 0 {
			return nil, fmt.Errorf("%w: weekly rule without days", rule.ErrInvalid)
		}
		opt.Freq = rrule.WEEKLY
		for _, d := range days {
			opt.Byweekday = append(opt.Byweekday, weekdays[d])
		}
	case rule.KindMonthly:
		if r.DayOfMonth < 1 || r.DayOfMonth > 31 {
			return nil, fmt.Errorf("%w: day of month %d", rule.ErrInvalid, r.DayOfMonth)
		}
		opt.Freq = rrule.MONTHLY
		if r.DayOfMonth <= 28 {
			opt.Bymonthday = []int{r.DayOfMonth}
		} else {
			for d := 28; d <= r.DayOfMonth; d++ {
				opt.Bymonthday = append(opt.Bymonthday, d)
			}
			opt.Bysetpos = []int{-1}
		}
	default:
		return nil, fmt.Errorf("%w: %s rules do not recur", rule.ErrInvalid, r.Kind)
	}
	return rrule.NewRRule(opt)
}

// Describe renders a one-line summary of the rule's schedule for listings.
func Describe(r rule.Rule, now time.Time) string {
	if r.Kind == rule.KindOnce {
		return "once at " + r.When.Format(time.RFC3339)
	}
	rr, err := RRule(r, now)
	if err != nil {
		return string(r.Kind) + " (invalid: " + err.Error() + ")"
	}
	return rr.OrigOptions.RRuleString()
}

// Upcoming returns up to n fire times after now, honoring StopAfter.
func Upcoming(r rule.Rule, now time.Time, n int) []time.Time {
	var out []time.Time
	cur := r
	for len(out) < n && !cur.Expired() {
		next, ok := Next(cur, now)
		if !ok {
			break
		}
		out = append(out, next)
		now = next
		cur = cur.WithRunCount(cur.RunCount + 1)
	}
	return out
}
