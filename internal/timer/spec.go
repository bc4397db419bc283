package timer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type SpecKind int

const (
	SpecCron SpecKind = iota + 1
	SpecInterval
)

// Spec is a parsed periodic schedule.
type Spec struct {
	Kind   SpecKind
	Source string // "cron", "duration" or "hhmm"
	Cron   string
	Every  time.Duration
}

// CronSpec renders the schedule for cron.AddFunc.
func (s Spec) CronSpec() string {
	if s.Kind == SpecInterval {
		return "@every " + s.Every.String()
	}
	return s.Cron
}

var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule accepts:
//   - Cron: "*/5 * * * *", "cron:0 0 * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "interval:45s"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
func ParseSchedule(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, errors.New("empty schedule")
	}
	if rest, ok := strings.CutPrefix(s, "cron:"); ok {
		return parseCron(strings.TrimSpace(rest))
	}
	if rest, ok := strings.CutPrefix(s, "interval:"); ok {
		s = strings.TrimSpace(rest)
	}
	if strings.HasPrefix(s, "@") || strings.Count(s, " ") >= 4 {
		return parseCron(s)
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return Spec{}, fmt.Errorf("interval must be positive: %q", raw)
		}
		return Spec{Kind: SpecInterval, Source: "duration", Every: d}, nil
	}
	if h, m, err := parseHHMM(s); err == nil {
		d := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
		if d <= 0 {
			return Spec{}, fmt.Errorf("interval must be positive: %q", raw)
		}
		return Spec{Kind: SpecInterval, Source: "hhmm", Every: d}, nil
	}
	return Spec{}, fmt.Errorf("unrecognized schedule %q", raw)
}

func parseCron(s string) (Spec, error) {
	if _, err := specParser.Parse(s); err != nil {
		return Spec{}, fmt.Errorf("invalid cron spec %q: %w", s, err)
	}
	return Spec{Kind: SpecCron, Source: "cron", Cron: s}, nil
}

// ParseSpec is ParseSchedule rendered as a cron spec.
func ParseSpec(raw string) (string, error) {
	sp, err := ParseSchedule(raw)
	if err != nil {
		return "", err
	}
	return sp.CronSpec(), nil
}

func parseHHMM(s string) (hour int, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
