package occurrence

import (
	"strings"
	"testing"
	"time"

	"openwhen/internal/rule"
)

func utc(y int, m time.Month, d, h, mi int) time.Time {
	return time.Date(y, m, d, h, mi, 0, 0, time.UTC)
}

func tod(h, m int) rule.TimeOfDay { return rule.TimeOfDay{Hour: h, Minute: m} }

func TestDaysIn(t *testing.T) {
	t.Parallel()
	tests := []struct {
		year  int
		month time.Month
		want  int
	}{
		{2026, time.February, 28},
		{2028, time.February, 29},
		{2100, time.February, 28},
		{2026, time.April, 30},
		{2026, time.December, 31},
	}
	for _, tt := range tests {
		if got := DaysIn(tt.year, tt.month); got != tt.want {
			t.Fatalf("DaysIn(%d, %s) = %d, want %d", tt.year, tt.month, got, tt.want)
		}
	}
}

func TestNext(t *testing.T) {
	t.Parallel()
	// 2026-10-14 is a Wednesday.
	now := utc(2026, 10, 14, 10, 0)

	tests := []struct {
		name   string
		rule   rule.Rule
		now    time.Time
		want   time.Time
		wantOK bool
	}{
		{name: "once future", rule: rule.Rule{Kind: rule.KindOnce, When: now.Add(time.Hour)}, now: now, want: now.Add(time.Hour), wantOK: true},
		{name: "once past", rule: rule.Rule{Kind: rule.KindOnce, When: now.Add(-time.Hour)}, now: now},
		{name: "once exactly now", rule: rule.Rule{Kind: rule.KindOnce, When: now}, now: now},
		{name: "daily later today", rule: rule.Rule{Kind: rule.KindDaily, TimeOfDay: tod(11, 0)}, now: now, want: utc(2026, 10, 14, 11, 0), wantOK: true},
		{name: "daily passed today", rule: rule.Rule{Kind: rule.KindDaily, TimeOfDay: tod(9, 0)}, now: now, want: utc(2026, 10, 15, 9, 0), wantOK: true},
		{name: "daily equal is strict", rule: rule.Rule{Kind: rule.KindDaily, TimeOfDay: tod(10, 0)}, now: now, want: utc(2026, 10, 15, 10, 0), wantOK: true},
		{name: "daily across month end", rule: rule.Rule{Kind: rule.KindDaily, TimeOfDay: tod(8, 0)}, now: utc(2026, 10, 31, 9, 0), want: utc(2026, 11, 1, 8, 0), wantOK: true},
		{name: "weekly picks minimum", rule: rule.Rule{Kind: rule.KindWeekly, TimeOfDay: tod(9, 0), DaysOfWeek: []int{1, 3, 5}}, now: now, want: utc(2026, 10, 16, 9, 0), wantOK: true},
		{name: "weekly today later", rule: rule.Rule{Kind: rule.KindWeekly, TimeOfDay: tod(11, 0), DaysOfWeek: []int{1, 3}}, now: now, want: utc(2026, 10, 14, 11, 0), wantOK: true},
		{name: "weekly same day passed", rule: rule.Rule{Kind: rule.KindWeekly, TimeOfDay: tod(9, 0), DaysOfWeek: []int{3}}, now: now, want: utc(2026, 10, 21, 9, 0), wantOK: true},
		{name: "weekly no days", rule: rule.Rule{Kind: rule.KindWeekly, TimeOfDay: tod(9, 0)}, now: now},
		{name: "monthly this month", rule: rule.Rule{Kind: rule.KindMonthly, TimeOfDay: tod(9, 0), DayOfMonth: 20}, now: now, want: utc(2026, 10, 20, 9, 0), wantOK: true},
		{name: "monthly next month", rule: rule.Rule{Kind: rule.KindMonthly, TimeOfDay: tod(9, 0), DayOfMonth: 1}, now: now, want: utc(2026, 11, 1, 9, 0), wantOK: true},
		{name: "monthly clamps to 30", rule: rule.Rule{Kind: rule.KindMonthly, TimeOfDay: tod(9, 0), DayOfMonth: 31}, now: utc(2026, 9, 15, 0, 0), want: utc(2026, 9, 30, 9, 0), wantOK: true},
		{name: "monthly clamps next month", rule: rule.Rule{Kind: rule.KindMonthly, TimeOfDay: tod(9, 0), DayOfMonth: 31}, now: utc(2026, 10, 31, 10, 0), want: utc(2026, 11, 30, 9, 0), wantOK: true},
		{name: "monthly leap february", rule: rule.Rule{Kind: rule.KindMonthly, TimeOfDay: tod(9, 0), DayOfMonth: 31}, now: utc(2028, 2, 1, 0, 0), want: utc(2028, 2, 29, 9, 0), wantOK: true},
		{name: "monthly december rollover", rule: rule.Rule{Kind: rule.KindMonthly, TimeOfDay: tod(9, 0), DayOfMonth: 5}, now: utc(2026, 12, 6, 0, 0), want: utc(2027, 1, 5, 9, 0), wantOK: true},
		{name: "monthly out of range", rule: rule.Rule{Kind: rule.KindMonthly, TimeOfDay: tod(9, 0), DayOfMonth: 0}, now: now},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Next(tt.rule, tt.now)
			if ok != tt.wantOK {
				t.Fatalf("Next ok = %v, want %v (got %s)", ok, tt.wantOK, got)
			}
			if ok && !got.Equal(tt.want) {
				t.Fatalf("Next = %s, want %s", got, tt.want)
			}
			if ok && !got.After(tt.now) {
				t.Fatalf("Next = %s is not after now %s", got, tt.now)
			}
		})
	}
}

func TestNextDailyWithin24h(t *testing.T) {
	t.Parallel()
	r := rule.Rule{Kind: rule.KindDaily, TimeOfDay: tod(7, 45)}
	start := utc(2026, 10, 14, 0, 0)
	for i := 0; i < 24*60; i += 17 {
		now := start.Add(time.Duration(i) * time.Minute)
		got, ok := Next(r, now)
		if !ok {
			t.Fatalf("Next(%s) returned no occurrence", now)
		}
		if !got.After(now) || got.Sub(now) > 24*time.Hour {
			t.Fatalf("Next(%s) = %s, want within (now, now+24h]", now, got)
		}
	}
}

func TestNextWallClockAcrossDST(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// DST ends 2026-11-01 in New York.
	now := time.Date(2026, 10, 31, 10, 0, 0, 0, loc)
	got, ok := Next(rule.Rule{Kind: rule.KindDaily, TimeOfDay: tod(9, 0)}, now)
	if !ok {
		t.Fatal("expected an occurrence")
	}
	if got.Hour() != 9 || got.Day() != 1 || got.Month() != time.November {
		t.Fatalf("Next = %s, want 2026-11-01 09:00 local", got)
	}
	if d := got.Sub(now); d != 24*time.Hour {
		t.Fatalf("gap across DST = %s, want 24h (23h wall + 1h fall back)", d)
	}
}

func TestInWindow(t *testing.T) {
	t.Parallel()
	now := utc(2026, 10, 14, 10, 0)

	tests := []struct {
		name  string
		rule  rule.Rule
		start time.Time
		end   time.Time
		cap   int
		want  []time.Time
	}{
		{
			name:  "daily three days behind",
			rule:  rule.Rule{Kind: rule.KindDaily, TimeOfDay: tod(9, 0)},
			start: now.AddDate(0, 0, -3),
			end:   now,
			want:  []time.Time{utc(2026, 10, 12, 9, 0), utc(2026, 10, 13, 9, 0), utc(2026, 10, 14, 9, 0)},
		},
		{
			name:  "start exclusive end inclusive",
			rule:  rule.Rule{Kind: rule.KindDaily, TimeOfDay: tod(9, 0)},
			start: utc(2026, 10, 12, 9, 0),
			end:   utc(2026, 10, 13, 9, 0),
			want:  []time.Time{utc(2026, 10, 13, 9, 0)},
		},
		{
			name:  "once inside",
			rule:  rule.Rule{Kind: rule.KindOnce, When: now.Add(-2 * time.Hour)},
			start: now.Add(-24 * time.Hour),
			end:   now,
			want:  []time.Time{now.Add(-2 * time.Hour)},
		},
		{
			name:  "once outside",
			rule:  rule.Rule{Kind: rule.KindOnce, When: now.Add(time.Hour)},
			start: now.Add(-24 * time.Hour),
			end:   now,
		},
		{
			name:  "weekly mondays and fridays",
			rule:  rule.Rule{Kind: rule.KindWeekly, TimeOfDay: tod(9, 0), DaysOfWeek: []int{1, 5}},
			start: utc(2026, 10, 1, 0, 0),
			end:   utc(2026, 10, 14, 10, 0),
			want:  []time.Time{utc(2026, 10, 2, 9, 0), utc(2026, 10, 5, 9, 0), utc(2026, 10, 9, 9, 0), utc(2026, 10, 12, 9, 0)},
		},
		{
			name:  "weekly without days",
			rule:  rule.Rule{Kind: rule.KindWeekly, TimeOfDay: tod(9, 0)},
			start: utc(2026, 10, 1, 0, 0),
			end:   now,
		},
		{
			name:  "monthly clamps per month",
			rule:  rule.Rule{Kind: rule.KindMonthly, TimeOfDay: tod(9, 0), DayOfMonth: 31},
			start: utc(2026, 9, 1, 0, 0),
			end:   utc(2026, 11, 30, 23, 59),
			want:  []time.Time{utc(2026, 9, 30, 9, 0), utc(2026, 10, 31, 9, 0), utc(2026, 11, 30, 9, 0)},
		},
		{
			name:  "monthly start after this month's slot",
			rule:  rule.Rule{Kind: rule.KindMonthly, TimeOfDay: tod(9, 0), DayOfMonth: 10},
			start: now,
			end:   utc(2026, 12, 31, 0, 0),
			want:  []time.Time{utc(2026, 11, 10, 9, 0), utc(2026, 12, 10, 9, 0)},
		},
		{
			name:  "cap bounds daily",
			rule:  rule.Rule{Kind: rule.KindDaily, TimeOfDay: tod(9, 0)},
			start: utc(2026, 1, 1, 10, 0),
			end:   utc(2026, 1, 31, 10, 0),
			cap:   3,
			want:  []time.Time{utc(2026, 1, 2, 9, 0), utc(2026, 1, 3, 9, 0), utc(2026, 1, 4, 9, 0)},
		},
		{
			name:  "empty window",
			rule:  rule.Rule{Kind: rule.KindDaily, TimeOfDay: tod(9, 0)},
			start: now,
			end:   now,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := InWindow(tt.rule, tt.start, tt.end, tt.cap)
			if len(got) != len(tt.want) {
				t.Fatalf("InWindow returned %d occurrences %v, want %d %v", len(got), got, len(tt.want), tt.want)
			}
			for i := range got {
				if !got[i].Equal(tt.want[i]) {
					t.Fatalf("occurrence %d = %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestInWindowAdjacentWindowsPartition(t *testing.T) {
	t.Parallel()
	rules := []rule.Rule{
		{Kind: rule.KindDaily, TimeOfDay: tod(9, 0)},
		{Kind: rule.KindWeekly, TimeOfDay: tod(9, 0), DaysOfWeek: []int{0, 2, 4}},
		{Kind: rule.KindMonthly, TimeOfDay: tod(9, 0), DayOfMonth: 31},
	}
	a := utc(2026, 7, 3, 12, 0)
	c := utc(2026, 12, 20, 12, 0)
	// b lands exactly on occurrences so the shared boundary is exercised.
	bs := []time.Time{utc(2026, 8, 31, 9, 0), utc(2026, 9, 30, 9, 0), utc(2026, 10, 15, 9, 0)}

	for _, r := range rules {
		whole := InWindow(r, a, c, 0)
		for _, b := range bs {
			left := InWindow(r, a, b, 0)
			right := InWindow(r, b, c, 0)
			if len(left)+len(right) != len(whole) {
				t.Fatalf("%s split at %s: %d + %d != %d", r.Kind, b, len(left), len(right), len(whole))
			}
		}
	}
}

func TestInWindowMatchesRRule(t *testing.T) {
	t.Parallel()
	start := utc(2026, 1, 1, 10, 0)
	end := utc(2026, 12, 31, 23, 0)
	rules := []rule.Rule{
		{Kind: rule.KindDaily, TimeOfDay: tod(9, 0)},
		{Kind: rule.KindWeekly, TimeOfDay: tod(18, 30), DaysOfWeek: []int{1, 3, 6}},
		{Kind: rule.KindMonthly, TimeOfDay: tod(7, 15), DayOfMonth: 15},
		{Kind: rule.KindMonthly, TimeOfDay: tod(7, 15), DayOfMonth: 31},
		{Kind: rule.KindMonthly, TimeOfDay: tod(7, 15), DayOfMonth: 29},
	}
	for _, r := range rules {
		rr, err := RRule(r, start)
		if err != nil {
			t.Fatalf("RRule(%s): %v", r.Kind, err)
		}
		want := rr.Between(start, end, true)
		got := InWindow(r, start, end, 0)
		if len(got) != len(want) {
			t.Fatalf("%s day=%d: InWindow %d occurrences, rrule %d", r.Kind, r.DayOfMonth, len(got), len(want))
		}
		for i := range got {
			if !got[i].Equal(want[i]) {
				t.Fatalf("%s occurrence %d = %s, rrule %s", r.Kind, i, got[i], want[i])
			}
		}
	}
}

func TestUpcomingHonorsStopAfter(t *testing.T) {
	t.Parallel()
	now := utc(2026, 10, 14, 10, 0)
	r := rule.Rule{Kind: rule.KindDaily, TimeOfDay: tod(9, 0), StopAfter: 3, RunCount: 1}
	got := Upcoming(r, now, 10)
	if len(got) != 2 {
		t.Fatalf("Upcoming returned %d, want 2", len(got))
	}
	if !got[0].Equal(utc(2026, 10, 15, 9, 0)) || !got[1].Equal(utc(2026, 10, 16, 9, 0)) {
		t.Fatalf("Upcoming = %v", got)
	}

	once := rule.Rule{Kind: rule.KindOnce, When: now.Add(time.Hour)}
	if got := Upcoming(once, now, 5); len(got) != 1 {
		t.Fatalf("once Upcoming returned %d, want 1", len(got))
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()
	now := utc(2026, 10, 14, 10, 0)
	got := Describe(rule.Rule{Kind: rule.KindWeekly, TimeOfDay: tod(9, 30), DaysOfWeek: []int{1, 3}}, now)
	for _, part := range []string{"FREQ=WEEKLY", "BYDAY=MO,WE", "BYHOUR=9", "BYMINUTE=30"} {
		if !strings.Contains(got, part) {
			t.Fatalf("Describe = %q, missing %q", got, part)
		}
	}
	if got := Describe(rule.Rule{Kind: rule.KindOnce, When: now}, now); !strings.HasPrefix(got, "once at ") {
		t.Fatalf("Describe once = %q", got)
	}
}
