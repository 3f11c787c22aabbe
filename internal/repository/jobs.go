package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/evently/internal/model"
	"github.com/jmoiron/sqlx"
)

const jobColumns = `id, event_id, route_id, action_type, payload, status, attempt, max_attempts, claimed_at, created_at, updated_at`

// JobsRepository defines persistence for the jobs table, including the
// exclusive claim and the completion transition.
type JobsRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, j model.Job) error
	GetByID(ctx context.Context, id string) (*model.Job, error)

	// Claim atomically moves a queued job to running via a non-blocking row
	// lock, skipping rows already locked by other claimants. Returns
	// (nil, nil) when the job is not claimable (already running, terminal,
	// or unknown); the caller treats that as a redelivery no-op.
	Claim(ctx context.Context, id string) (*model.Job, error)

	// Complete moves a running job to its next status and bumps the attempt
	// counter, returning the attempt number just consumed. Must run inside
	// the same transaction that records the attempt. claimedAt fences the
	// update to the claim that executed the attempt: a worker whose job was
	// reclaimed (and possibly re-claimed by someone else) no longer matches
	// and gets (0, nil).
	Complete(ctx context.Context, tx *sqlx.Tx, id string, claimedAt time.Time, next model.JobStatus) (int, error)

	// ReclaimStuck re-queues jobs running longer than the cutoff and stages
	// one outbox entry per reclaimed job, all in one statement. Returns the
	// reclaimed job IDs.
	ReclaimStuck(ctx context.Context, cutoff time.Time, limit int, topic string) ([]string, error)

	// RestageOrphans re-derives outbox entries for jobs sitting queued past
	// the cutoff with no pending entry (lost broker state, or a consumer
	// that died between publish-mark and claim). Returns the job IDs staged.
	RestageOrphans(ctx context.Context, cutoff time.Time, limit int, topic string) ([]string, error)
}

type JobsRepositoryImpl struct {
	db *sqlx.DB
}

func NewJobsRepository(db *sqlx.DB) *JobsRepositoryImpl {
	return &JobsRepositoryImpl{db: db}
}

var _ JobsRepository = (*JobsRepositoryImpl)(nil)

func (r *JobsRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}
	t, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}
	return t.Commit()
}

func (r *JobsRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, j model.Job) error {
	const q = `
		INSERT INTO jobs
		    (id, event_id, route_id, action_type, payload, status, attempt, max_attempts, created_at, updated_at)
		VALUES
		    ($1, $2, $3, $4, $5, 'queued', 0, $6, now(), now())
	`
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			j.ID, j.EventID, j.RouteID, j.ActionType.String(), j.Payload, j.MaxAttempts,
		)
		return err
	})
}

func (r *JobsRepositoryImpl) GetByID(ctx context.Context, id string) (*model.Job, error) {
	var j model.Job
	err := r.db.GetContext(ctx, &j, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *JobsRepositoryImpl) Claim(ctx context.Context, id string) (*model.Job, error) {
	// SKIP LOCKED keeps concurrent claimants from blocking on the same row:
	// exactly one sees it queued, everyone else gets zero rows.
	const q = `
		UPDATE jobs SET status = 'running', claimed_at = now(), updated_at = now()
		 WHERE id = (
		       SELECT id FROM jobs
		        WHERE id = $1 AND status = 'queued'
		        FOR UPDATE SKIP LOCKED
		 )
		RETURNING ` + jobColumns
	var j model.Job
	err := r.db.GetContext(ctx, &j, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *JobsRepositoryImpl) Complete(ctx context.Context, tx *sqlx.Tx, id string, claimedAt time.Time, next model.JobStatus) (int, error) {
	if !model.JobRunning.CanTransition(next) {
		return 0, errors.New("jobs: invalid transition from running to " + next.String())
	}
	// The claimed_at match is the fence: the reclaimer nulls it and a later
	// claim stamps a new value, so only the claim that ran this attempt can
	// finalize it.
	const q = `
		UPDATE jobs SET status = $2, attempt = attempt + 1, claimed_at = NULL, updated_at = now()
		 WHERE id = $1 AND status = 'running' AND claimed_at = $3
		RETURNING attempt
	`
	var attempt int
	err := tx.GetContext(ctx, &attempt, q, id, next.String(), claimedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return attempt, nil
}

func (r *JobsRepositoryImpl) ReclaimStuck(ctx context.Context, cutoff time.Time, limit int, topic string) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	// Requeue and stage the republish atomically; SKIP LOCKED leaves rows
	// with an attempt-completion in flight alone.
	const q = `
		WITH stuck AS (
		     SELECT id FROM jobs
		      WHERE status = 'running' AND claimed_at < $1
		      ORDER BY claimed_at
		      LIMIT $2
		      FOR UPDATE SKIP LOCKED
		), requeued AS (
		     UPDATE jobs SET status = 'queued', claimed_at = NULL, updated_at = now()
		      WHERE id IN (SELECT id FROM stuck)
		     RETURNING id
		)
		INSERT INTO outbox (job_id, topic, status, available_at, created_at)
		SELECT id, $3, 'pending', now(), now() FROM requeued
		RETURNING job_id
	`
	var ids []string
	err := r.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		return tx.SelectContext(ctx, &ids, q, cutoff, limit, topic)
	})
	return ids, err
}

func (r *JobsRepositoryImpl) RestageOrphans(ctx context.Context, cutoff time.Time, limit int, topic string) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
		WITH orphaned AS (
		     SELECT j.id FROM jobs j
		      WHERE j.status = 'queued' AND j.updated_at < $1
		        AND NOT EXISTS (
		            SELECT 1 FROM outbox o
		             WHERE o.job_id = j.id AND o.status = 'pending'
		        )
		      ORDER BY j.updated_at
		      LIMIT $2
		      FOR UPDATE SKIP LOCKED
		)
		INSERT INTO outbox (job_id, topic, status, available_at, created_at)
		SELECT id, $3, 'pending', now(), now() FROM orphaned
		RETURNING job_id
	`
	var ids []string
	err := r.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		return tx.SelectContext(ctx, &ids, q, cutoff, limit, topic)
	})
	return ids, err
}
