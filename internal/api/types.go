package api

import (
	"time"

	"openwhen/internal/reconcile"
	"openwhen/internal/rule"
	"openwhen/internal/timer"
)

// RulesRequest creates or replaces a unit. More than one draft makes a group.
type RulesRequest struct {
	Rules []rule.Draft `json:"rules"`
}

type RulesResponse struct {
	Rules []rule.Rule `json:"rules"`
}

type ListResponse struct {
	Rules []reconcile.View `json:"rules"`
}

type CancelResponse struct {
	Removed []string `json:"removed"`
}

type OpenResponse struct {
	Channel  string `json:"channel"`
	Fallback bool   `json:"fallback"`
}

type RebuildRequest struct {
	SuppressLateDelivery bool `json:"suppress_late_delivery"`
}

// Report is the wire form of reconcile.Report.
type Report struct {
	Trigger     string        `json:"trigger"`
	StartedAt   time.Time     `json:"started_at"`
	WindowStart time.Time     `json:"window_start"`
	WindowEnd   time.Time     `json:"window_end"`
	Rules       int           `json:"rules"`
	Units       int           `json:"units"`
	Missed      int           `json:"missed"`
	CaughtUp    int           `json:"caught_up"`
	Scheduled   int           `json:"scheduled"`
	Expired     int           `json:"expired"`
	Failures    []string      `json:"failures,omitempty"`
	Checkpoint  time.Time     `json:"checkpoint,omitzero"`
	Duration    time.Duration `json:"duration_ns"`
}

func ReportFrom(r reconcile.Report) Report {
	out := Report{
		Trigger:     r.Trigger,
		StartedAt:   r.StartedAt,
		WindowStart: r.Window[0],
		WindowEnd:   r.Window[1],
		Rules:       r.Rules,
		Units:       r.Units,
		Missed:      r.Missed,
		CaughtUp:    r.CaughtUp,
		Scheduled:   r.Scheduled,
		Expired:     r.Expired,
		Checkpoint:  r.Checkpoint,
		Duration:    r.Duration,
	}
	for _, f := range r.Failures {
		out.Failures = append(out.Failures, f.Error())
	}
	return out
}

type TimersResponse struct {
	Timers []timer.Entry `json:"timers"`
}

type Health struct {
	Status  string    `json:"status"`
	Version string    `json:"version,omitempty"`
	Started time.Time `json:"started"`
	Uptime  string    `json:"uptime"`
	Details any       `json:"details,omitempty"`
}

// ErrorResponse matches echo's default HTTPError body.
type ErrorResponse struct {
	Message string `json:"message"`
}
