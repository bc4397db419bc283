package delivery

import (
	"fmt"
	"strings"
	"time"

	"openwhen/internal/rule"
)

// WhenLayout formats scheduled instants in notifications.
const WhenLayout = "2006-01-02 15:04"

// Notification is the rendered form of one delivery. A group produces one
// Notification carrying every member's target.
type Notification struct {
	Key         string
	GroupID     string
	Text        string
	WhenLine    string
	Targets     []rule.Target
	Late        bool
	MissedCount int
	ScheduledAt time.Time
	FiredAt     time.Time
}

// Message prefixes base with the late annotation when opt.IsLate.
func Message(base string, opt Options) string {
	if !opt.IsLate {
		return base
	}
	var prefix string
	switch {
	case opt.MissedCount > 1:
		prefix = fmt.Sprintf("late — missed %d occurrences.", opt.MissedCount)
	case opt.MissedCount == 1:
		prefix = "late — missed 1 occurrence."
	default:
		prefix = "late — missed scheduled time."
	}
	return strings.TrimSpace(prefix + " " + base)
}

// WhenLine renders the "Scheduled for" line shown under the message.
func WhenLine(scheduled time.Time, opt Options) string {
	line := "Scheduled for: unknown"
	if !scheduled.IsZero() {
		line = "Scheduled for: " + scheduled.Format(WhenLayout)
	}
	if !opt.IsLate {
		return line
	}
	switch {
	case opt.MissedCount > 1:
		return line + fmt.Sprintf(" (missed %d occurrences)", opt.MissedCount)
	case opt.MissedCount == 1:
		return line + " (missed 1 occurrence)"
	default:
		return line + " (missed)"
	}
}

// Build renders the notification for u. The scheduled instant is the most recent
// missed occurrence when known, else opt.ScheduledAt, else the owner's once instant.
func Build(u rule.Unit, opt Options, firedAt time.Time) Notification {
	base := ""
	targets := make([]rule.Target, 0, len(u.Members))
	for _, m := range u.Members {
		targets = append(targets, m.Target)
		if base == "" {
			base = strings.TrimSpace(m.Target.Message)
		}
	}
	scheduled := opt.MostRecentMissedAt
	if scheduled.IsZero() {
		scheduled = opt.ScheduledAt
	}
	if scheduled.IsZero() && u.Owner.Kind == rule.KindOnce {
		scheduled = u.Owner.When
	}
	return Notification{
		Key:         u.Owner.TimerKey(),
		GroupID:     u.Owner.GroupID,
		Text:        Message(base, opt),
		WhenLine:    WhenLine(scheduled, opt),
		Targets:     targets,
		Late:        opt.IsLate,
		MissedCount: opt.MissedCount,
		ScheduledAt: scheduled,
		FiredAt:     firedAt,
	}
}

// Render is the plain-text body used by chat channels.
func (n Notification) Render() string {
	var b strings.Builder
	if n.Text != "" {
		b.WriteString(n.Text)
		b.WriteString("\n")
	}
	b.WriteString(n.WhenLine)
	for _, t := range n.Targets {
		if t.URL == "" {
			continue
		}
		b.WriteString("\n")
		b.WriteString(t.URL)
	}
	return b.String()
}

// URLs returns the non-empty target URLs in member order.
func (n Notification) URLs() []string {
	var out []string
	for _, t := range n.Targets {
		if t.URL != "" {
			out = append(out, t.URL)
		}
	}
	return out
}
