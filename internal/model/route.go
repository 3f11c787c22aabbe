package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/jmoiron/sqlx/types"
)

type ActionType string

const (
	ActionWebhookDeliver ActionType = "webhook.deliver"
)

func (t ActionType) String() string { return string(t) }

// ParseActionType normalizes input. Returns (value, true) if the kind is
// known; otherwise (webhook.deliver, false).
func ParseActionType(s string) (ActionType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "webhook.deliver":
		return ActionWebhookDeliver, true
	default:
		return ActionWebhookDeliver, false
	}
}

func (t ActionType) Valid() bool {
	return t == ActionWebhookDeliver
}

// Destination describes where an action delivers to.
type Destination struct {
	URL       string            `json:"url"`
	TimeoutMs int               `json:"timeout_ms,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// Timeout returns the per-delivery timeout, defaulting to 3s.
func (d Destination) Timeout() time.Duration {
	if d.TimeoutMs <= 0 {
		return 3 * time.Second
	}
	return time.Duration(d.TimeoutMs) * time.Millisecond
}

// RetryPolicy is plain data frozen onto a job at creation and interpreted
// by the retry package. Delay before the attempt after failure n is
// min(base * multiplier^(n-1), cap).
type RetryPolicy struct {
	MaxAttempts int     `json:"max_attempts"`
	BaseDelayMs int     `json:"base_delay_ms,omitempty"`
	Multiplier  float64 `json:"multiplier,omitempty"`
	CapDelayMs  int     `json:"cap_delay_ms,omitempty"`
}

// Normalized fills zero fields with defaults (1s base, x2, 30s cap, 1 attempt).
func (p RetryPolicy) Normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelayMs <= 0 {
		p.BaseDelayMs = 1000
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2
	}
	if p.CapDelayMs <= 0 {
		p.CapDelayMs = 30000
	}
	return p
}

// Route maps an event type to an action. Only enabled routes participate in
// matching; a route is never deleted while jobs reference it.
type Route struct {
	ID          string         `db:"id"`
	EventType   string         `db:"event_type"`
	ActionType  ActionType     `db:"action_type"`
	Destination types.JSONText `db:"destination"`
	RetryPolicy types.JSONText `db:"retry_policy"`
	Enabled     bool           `db:"enabled"`
	CreatedAt   time.Time      `db:"created_at"`
}

func (r Route) ParseDestination() (Destination, error) {
	var d Destination
	err := json.Unmarshal(r.Destination, &d)
	return d, err
}

func (r Route) ParseRetryPolicy() (RetryPolicy, error) {
	var p RetryPolicy
	if err := json.Unmarshal(r.RetryPolicy, &p); err != nil {
		return p, err
	}
	return p.Normalized(), nil
}
