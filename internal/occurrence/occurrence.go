package occurrence

import (
	"slices"
	"time"

	"openwhen/internal/rule"
)

// DefaultCap bounds InWindow iteration when the caller passes cap <= 0.
const DefaultCap = 365

// DaysIn returns the number of days in month of year.
func DaysIn(year int, month time.Month) int {
	// Day 0 of the next month normalizes to the last day of month.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// at builds the instant for calendar day (y, m, d) at tod in loc. d and m may overflow;
// time.Date normalizes them.
func at(y int, m time.Month, d int, tod rule.TimeOfDay, loc *time.Location) time.Time {
	return time.Date(y, m, d, tod.Hour, tod.Minute, 0, 0, loc)
}

// monthSlot returns dayOfMonth (clamped to the month length) at tod in month m of year y.
func monthSlot(y int, m time.Month, dayOfMonth int, tod rule.TimeOfDay, loc *time.Location) time.Time {
	// Normalize month overflow before measuring its length.
	first := time.Date(y, m, 1, 0, 0, 0, 0, loc)
	y, m = first.Year(), first.Month()
	return at(y, m, min(dayOfMonth, DaysIn(y, m)), tod, loc)
}

func validDays(days []int) []int {
	out := make([]int, 0, len(days))
	for _, d := range days {
		if d >= 0 && d <= 6 && !slices.Contains(out, d) {
			out = append(out, d)
		}
	}
	return out
}

// Next returns the first fire time strictly after now, or ok=false when the rule has none
// (a past once rule, or a malformed recurring rule).
//
// Next does not consult RunCount or StopAfter; callers check Expired first.
func Next(r rule.Rule, now time.Time) (time.Time, bool) {
	loc := now.Location()
	y, m, d := now.Date()
	tod := r.TimeOfDay

	switch r.Kind {
	case rule.KindOnce:
		if r.When.IsZero() || !r.When.After(now) {
			return time.Time{}, false
		}
		return r.When, true

	case rule.KindDaily:
		next := at(y, m, d, tod, loc)
		if !next.After(now) {
			next = at(y, m, d+1, tod, loc)
		}
		return next, true

	case rule.KindWeekly:
		days := validDays(r.DaysOfWeek)
		if len(days) == 0 {
			return time.Time{}, false
		}
		var best time.Time
		for _, dow := range days {
			delta := (dow - int(now.Weekday()) + 7) % 7
			cand := at(y, m, d+delta, tod, loc)
			if !cand.After(now) {
				cand = at(y, m, d+delta+7, tod, loc)
			}
			if best.IsZero() || cand.Before(best) {
				best = cand
			}
		}
		return best, true

	case rule.KindMonthly:
		if r.DayOfMonth < 1 || r.DayOfMonth > 31 {
			return time.Time{}, false
		}
		next := monthSlot(y, m, r.DayOfMonth, tod, loc)
		if !next.After(now) {
			next = monthSlot(y, m+1, r.DayOfMonth, tod, loc)
		}
		return next, true
	}
	return time.Time{}, false
}

// InWindow returns every fire time t with startExclusive < t <= endInclusive, in ascending
// order. Iteration is bounded by limit steps (days for daily/weekly, months for monthly);
// limit <= 0 means DefaultCap.
func InWindow(r rule.Rule, startExclusive, endInclusive time.Time, limit int) []time.Time {
	if limit <= 0 {
		limit = DefaultCap
	}
	if !endInclusive.After(startExclusive) {
		return nil
	}
	in := func(t time.Time) bool { return t.After(startExclusive) && !t.After(endInclusive) }

	loc := startExclusive.Location()
	y, m, d := startExclusive.Date()
	tod := r.TimeOfDay
	var out []time.Time

	switch r.Kind {
	case rule.KindOnce:
		if !r.When.IsZero() && in(r.When) {
			out = append(out, r.When)
		}

	case rule.KindDaily:
		off := 0
		if !at(y, m, d, tod, loc).After(startExclusive) {
			off = 1
		}
		for i := 0; i < limit; i++ {
			cand := at(y, m, d+off+i, tod, loc)
			if cand.After(endInclusive) {
				break
			}
			out = append(out, cand)
		}

	case rule.KindWeekly:
		days := validDays(r.DaysOfWeek)
		if len(days) == 0 {
			return nil
		}
		for i := 0; i < limit; i++ {
			cand := at(y, m, d+i, tod, loc)
			if cand.After(endInclusive) {
				break
			}
			if slices.Contains(days, int(cand.Weekday())) && in(cand) {
				out = append(out, cand)
			}
		}

	case rule.KindMonthly:
		if r.DayOfMonth < 1 || r.DayOfMonth > 31 {
			return nil
		}
		for i := 0; i < limit; i++ {
			if time.Date(y, m+time.Month(i), 1, 0, 0, 0, 0, loc).After(endInclusive) {
				break
			}
			cand := monthSlot(y, m+time.Month(i), r.DayOfMonth, tod, loc)
			if in(cand) {
				out = append(out, cand)
			}
		}
	}
	return out
}
