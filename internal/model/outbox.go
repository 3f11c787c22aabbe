package model

import "time"

type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxPublished OutboxStatus = "published"
)

// OutboxEntry bridges the store/broker boundary. It is created in the same
// transaction as its job (or re-queue) and marked published only after the
// broker has durably accepted the message. AvailableAt realizes backoff
// delay: the relay never publishes an entry early.
type OutboxEntry struct {
	ID          int64        `db:"id"`
	JobID       string       `db:"job_id"`
	Topic       string       `db:"topic"`
	Status      OutboxStatus `db:"status"`
	AvailableAt time.Time    `db:"available_at"`
	CreatedAt   time.Time    `db:"created_at"`
	PublishedAt *time.Time   `db:"published_at"`
}
