package model

import "time"

// Attempt is an immutable record of one execution try of a job. Attempt
// numbers per job are contiguous starting at 1; (JobID, AttemptNo) is unique
// in the store.
type Attempt struct {
	ID              int64      `db:"id"`
	JobID           string     `db:"job_id"`
	AttemptNo       int        `db:"attempt_no"`
	StartedAt       time.Time  `db:"started_at"`
	FinishedAt      *time.Time `db:"finished_at"`
	Success         bool       `db:"success"`
	StatusCode      *int       `db:"status_code"`
	Error           *string    `db:"error"`
	ResponseSnippet *string    `db:"response_snippet"`
}
