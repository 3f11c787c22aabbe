package repository

import (
	"context"

	"github.com/jmehdipour/evently/internal/model"
	"github.com/jmoiron/sqlx"
)

// AttemptsRepository appends and reads the immutable attempt ledger.
// (job_id, attempt_no) is unique in the store; a violated insert means the
// contiguity invariant broke and must surface, never be repaired.
type AttemptsRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, a model.Attempt) error
	ListByJob(ctx context.Context, jobID string) ([]model.Attempt, error)
}

type AttemptsRepositoryImpl struct {
	db *sqlx.DB
}

func NewAttemptsRepository(db *sqlx.DB) *AttemptsRepositoryImpl {
	return &AttemptsRepositoryImpl{db: db}
}

var _ AttemptsRepository = (*AttemptsRepositoryImpl)(nil)

func (r *AttemptsRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, a model.Attempt) error {
	const q = `
		INSERT INTO job_attempts
		    (job_id, attempt_no, started_at, finished_at, success, status_code, error, response_snippet)
		VALUES
		    ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := tx.ExecContext(ctx, q,
		a.JobID, a.AttemptNo, a.StartedAt, a.FinishedAt,
		a.Success, a.StatusCode, a.Error, a.ResponseSnippet,
	)
	return err
}

func (r *AttemptsRepositoryImpl) ListByJob(ctx context.Context, jobID string) ([]model.Attempt, error) {
	var attempts []model.Attempt
	err := r.db.SelectContext(ctx, &attempts, `
		SELECT id, job_id, attempt_no, started_at, finished_at, success, status_code, error, response_snippet
		  FROM job_attempts
		 WHERE job_id = $1
		 ORDER BY attempt_no
	`, jobID)
	return attempts, err
}
