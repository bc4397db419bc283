package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"openwhen/internal/rule"
)

// draftFlags are the schedule and target flags shared by preview, add and edit.
type draftFlags struct {
	kind      string
	at        string
	days      []string
	day       int
	when      string
	stopAfter int
	tz        string

	urls       []string
	message    string
	openIn     string
	background bool
}

func (f *draftFlags) bindSchedule(fs *pflag.FlagSet) {
	fs.StringVar(&f.kind, "kind", "daily", "once|daily|weekly|monthly")
	fs.StringVar(&f.at, "at", "09:00", "time of day HH:MM")
	fs.StringSliceVar(&f.days, "days", nil, "weekly days: sun..sat or 0-6, comma separated")
	fs.IntVar(&f.day, "day", 0, "monthly day of month 1-31 (clamped to short months)")
	fs.StringVar(&f.when, "when", "", "once: RFC3339 or \"2006-01-02 15:04\" in --tz")
	fs.IntVar(&f.stopAfter, "stop-after", 0, "stop after N fires (0 = unlimited)")
	fs.StringVar(&f.tz, "tz", "", "IANA timezone for --when and previews (default local)")
}

func (f *draftFlags) bindTarget(fs *pflag.FlagSet) {
	fs.StringArrayVar(&f.urls, "url", nil, "url to open; repeat for a group sharing one schedule")
	fs.StringVar(&f.message, "message", "", "reminder text")
	fs.StringVar(&f.openIn, "open-in", "tab", "tab|window")
	fs.BoolVar(&f.background, "background", false, "open without focusing")
}

func (f *draftFlags) location() (*time.Location, error) {
	if strings.TrimSpace(f.tz) == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(f.tz)
	if err != nil {
		return nil, fmt.Errorf("--tz: %w", err)
	}
	return loc, nil
}

// schedule builds the schedule part of a draft.
func (f *draftFlags) schedule() (rule.Draft, error) {
	kind, err := rule.ParseKind(f.kind)
	if err != nil {
		return rule.Draft{}, err
	}
	d := rule.Draft{Kind: kind, DayOfMonth: f.day, StopAfter: f.stopAfter}
	if kind != rule.KindOnce {
		if d.TimeOfDay, err = rule.ParseTimeOfDay(f.at); err != nil {
			return rule.Draft{}, fmt.Errorf("--at: %w", err)
		}
	}
	if len(f.days) > 0 {
		if d.DaysOfWeek, err = parseDays(f.days); err != nil {
			return rule.Draft{}, err
		}
	}
	if kind == rule.KindOnce {
		loc, err := f.location()
		if err != nil {
			return rule.Draft{}, err
		}
		if d.When, err = parseWhen(f.when, loc); err != nil {
			return rule.Draft{}, err
		}
	}
	return d, nil
}

// drafts builds one draft per --url, or a single message-only draft.
func (f *draftFlags) drafts() ([]rule.Draft, error) {
	base, err := f.schedule()
	if err != nil {
		return nil, err
	}
	switch f.openIn {
	case "tab", "window":
	default:
		return nil, fmt.Errorf("--open-in must be tab or window, got %q", f.openIn)
	}
	target := rule.Target{Message: f.message, OpenIn: f.openIn, Background: f.background, Source: "cli"}
	if len(f.urls) == 0 {
		base.Target = target
		return []rule.Draft{base}, nil
	}
	out := make([]rule.Draft, 0, len(f.urls))
	for _, u := range f.urls {
		d := base
		d.Target = target
		d.Target.URL = u
		out = append(out, d)
	}
	return out, nil
}

var dayNames = map[string]int{
	"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
}

func parseDays(in []string) ([]int, error) {
	out := make([]int, 0, len(in))
	for _, raw := range in {
		s := strings.ToLower(strings.TrimSpace(raw))
		if s == "" {
			continue
		}
		if n, err := strconv.Atoi(s); err == nil {
			if n < 0 || n > 6 {
				return nil, fmt.Errorf("--days: %d out of range 0-6", n)
			}
			out = append(out, n)
			continue
		}
		if len(s) > 3 {
			s = s[:3]
		}
		n, ok := dayNames[s]
		if !ok {
			return nil, fmt.Errorf("--days: unknown day %q", raw)
		}
		out = append(out, n)
	}
	return out, nil
}

func parseWhen(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("--when is required for once")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02T15:04"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("--when: cannot parse %q", s)
}
