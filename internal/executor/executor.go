// Package executor performs the side effect of a job. Action kinds are a
// closed set; adding one means implementing Executor and registering it,
// without touching the claim loop or the retry scheduler.
package executor

import (
	"context"
	"time"

	"github.com/jmehdipour/evently/internal/model"
	"github.com/jmehdipour/evently/internal/retry"
)

// Outcome is the audited result of one execution try.
type Outcome struct {
	Class           retry.Class
	StatusCode      int    // 0 when no response was received
	ResponseSnippet string // truncated evidence for the attempt record
	Error           string // empty on success
	StartedAt       time.Time
	FinishedAt      time.Time
}

type Executor interface {
	Kind() model.ActionType
	Execute(ctx context.Context, env model.Envelope) Outcome
}

// Registry resolves executors by action kind.
type Registry struct {
	byKind map[model.ActionType]Executor
}

func NewRegistry(execs ...Executor) *Registry {
	m := make(map[model.ActionType]Executor, len(execs))
	for _, e := range execs {
		m[e.Kind()] = e
	}
	return &Registry{byKind: m}
}

// Lookup returns the executor for kind, or false when the kind is unknown
// (a permanent failure from the caller's point of view).
func (r *Registry) Lookup(kind model.ActionType) (Executor, bool) {
	e, ok := r.byKind[kind]
	return e, ok
}
