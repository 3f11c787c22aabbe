package model

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// Event is an immutable fact submitted to the system. When IdempotencyKey is
// set, (Type, IdempotencyKey) is unique: re-submission returns the stored row.
type Event struct {
	ID             string         `db:"id"`
	Type           string         `db:"type"`
	Payload        types.JSONText `db:"payload"`
	IdempotencyKey *string        `db:"idempotency_key"`
	CreatedAt      time.Time      `db:"created_at"`
}
