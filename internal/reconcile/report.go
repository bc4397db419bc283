package reconcile

import (
	"fmt"
	"time"
)

// Failure is one swallowed collaborator error.
type Failure struct {
	RuleID string
	Op     string // deliver | register | update | merge | checkpoint
	Err    error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s %s: %v", f.Op, f.RuleID, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// Report summarizes one reconciliation pass.
type Report struct {
	Trigger    string
	StartedAt  time.Time
	Window     [2]time.Time // (start, end]
	Rules      int
	Units      int
	Missed     int // occurrences found in the window, delivered or not
	CaughtUp   int // units whose catch-up delivery was confirmed
	Scheduled  int
	Expired    int
	Failures   []Failure
	Checkpoint time.Time
	Duration   time.Duration
}

func (r *Report) fail(id, op string, err error) {
	r.Failures = append(r.Failures, Failure{RuleID: id, Op: op, Err: err})
}

// OK reports whether the pass finished without collaborator failures.
func (r Report) OK() bool { return len(r.Failures) == 0 }
