package model

import (
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx/types"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobDead      JobStatus = "dead"
)

func (s JobStatus) String() string {
	return string(s)
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobQueued, JobRunning, JobSucceeded, JobFailed, JobDead:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transition.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobDead
}

// CanTransition enforces the monotonic state machine:
// queued → running → {succeeded | queued | dead}. "failed" is a momentary
// classification inside the worker, never an at-rest row status.
func (s JobStatus) CanTransition(to JobStatus) bool {
	switch s {
	case JobQueued:
		return to == JobRunning
	case JobRunning:
		return to == JobSucceeded || to == JobQueued || to == JobDead
	}
	return false
}

// Job is one retryable unit of work produced by matching one event against
// one route. ActionType, MaxAttempts and the payload envelope are frozen at
// creation so later route edits never touch in-flight jobs.
type Job struct {
	ID          string         `db:"id"`
	EventID     string         `db:"event_id"`
	RouteID     string         `db:"route_id"`
	ActionType  ActionType     `db:"action_type"`
	Payload     types.JSONText `db:"payload"`
	Status      JobStatus      `db:"status"`
	Attempt     int            `db:"attempt"`
	MaxAttempts int            `db:"max_attempts"`
	ClaimedAt   *time.Time     `db:"claimed_at"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

// Envelope is the frozen job payload built by the job factory and delivered
// to the action executor.
type Envelope struct {
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	Data        json.RawMessage `json:"data"`
	Destination Destination     `json:"destination"`
	Retry       RetryPolicy     `json:"retry_policy"`
}

// NewEnvelope snapshots event data, the route destination and the retry
// policy.
func NewEnvelope(ev Event, dest Destination, policy RetryPolicy) Envelope {
	return Envelope{
		EventID:     ev.ID,
		EventType:   ev.Type,
		Data:        json.RawMessage(ev.Payload),
		Destination: dest,
		Retry:       policy,
	}
}

func (j Job) ParseEnvelope() (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(j.Payload, &env)
	return env, err
}
