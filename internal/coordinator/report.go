package coordinator

import (
	"errors"
	"fmt"
)

// ErrNoSuccess is returned by Report.Err when not a single target succeeded.
var ErrNoSuccess = errors.New("no target succeeded")

// Outcome is the per-target entry of a batch report.
type Outcome struct {
	Target string
	Rows   int
	Err    error
}

// OK reports whether the target succeeded.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Status classifies a finished batch.
type Status string

const (
	// StatusComplete means every target succeeded.
	StatusComplete Status = "complete"
	// StatusPartial means some, but not all, targets failed.
	StatusPartial Status = "partial"
	// StatusEmpty means no target succeeded.
	StatusEmpty Status = "empty"
)

// Report is the result of one batch: one outcome per target in target order
// and the rows of the successful targets in the same order.
type Report[R any] struct {
	Outcomes []Outcome
	Rows     []R
}

// Succeeded returns the number of successful targets.
func (r *Report[R]) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.OK() {
			n++
		}
	}
	return n
}

// Failed returns the number of failed targets.
func (r *Report[R]) Failed() int {
	return len(r.Outcomes) - r.Succeeded()
}

// Failures returns the failed outcomes in target order.
func (r *Report[R]) Failures() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if !o.OK() {
			out = append(out, o)
		}
	}
	return out
}

// Status classifies the batch.
func (r *Report[R]) Status() Status {
	switch r.Succeeded() {
	case len(r.Outcomes):
		return StatusComplete
	case 0:
		return StatusEmpty
	default:
		return StatusPartial
	}
}

// Err returns an error wrapping ErrNoSuccess when no target succeeded.
// A partial batch is not an error.
func (r *Report[R]) Err() error {
	if r.Status() == StatusEmpty {
		return fmt.Errorf("%w: all %d targets failed", ErrNoSuccess, len(r.Outcomes))
	}
	return nil
}
