// Package retry interprets the retry policy frozen onto a job. All functions
// are pure; the scheduler holds no state of its own.
package retry

import (
	"math"
	"time"

	"github.com/jmehdipour/evently/internal/model"
)

// Class is the executor's classification of one finished attempt.
type Class int

const (
	ClassSuccess Class = iota
	ClassRetryable
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassRetryable:
		return "retryable"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Delay returns how long to wait after failed attempt n (1-based) before the
// next attempt: min(base * multiplier^(n-1), cap).
func Delay(p model.RetryPolicy, failedAttempt int) time.Duration {
	p = p.Normalized()
	if failedAttempt < 1 {
		failedAttempt = 1
	}

	base := time.Duration(p.BaseDelayMs) * time.Millisecond
	capd := time.Duration(p.CapDelayMs) * time.Millisecond

	d := time.Duration(float64(base) * math.Pow(p.Multiplier, float64(failedAttempt-1)))
	if d > capd || d < 0 { // overflow guards the cap too
		return capd
	}
	return d
}

// Decision is the scheduler's verdict after one attempt.
type Decision struct {
	Status model.JobStatus // succeeded | queued | dead
	Delay  time.Duration   // set only when Status == queued
}

// Decide maps (policy, attempt just run, classification) to the job's next
// status. Attempts at or beyond MaxAttempts never retry.
func Decide(p model.RetryPolicy, attempt int, class Class) Decision {
	p = p.Normalized()

	switch class {
	case ClassSuccess:
		return Decision{Status: model.JobSucceeded}
	case ClassPermanent:
		return Decision{Status: model.JobDead}
	}

	if attempt >= p.MaxAttempts {
		return Decision{Status: model.JobDead}
	}
	return Decision{Status: model.JobQueued, Delay: Delay(p, attempt)}
}
