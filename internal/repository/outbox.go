package repository

import (
	"context"
	"time"

	"github.com/jmehdipour/evently/internal/model"
	"github.com/jmoiron/sqlx"
)

// OutboxRepository defines persistence for the outbox table. Entries are
// written in the same transaction as the job they publish (creation, retry
// re-queue, reclaim) and consumed by the relay.
type OutboxRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, jobID, topic string, availableAt time.Time) error

	// SelectPendingForUpdate locks a batch of due pending entries (oldest
	// first, skipping entries held by a concurrent relay) inside tx.
	SelectPendingForUpdate(ctx context.Context, tx *sqlx.Tx, limit int) ([]model.OutboxEntry, error)

	MarkPublished(ctx context.Context, tx *sqlx.Tx, ids []int64) error
}

type OutboxRepositoryImpl struct {
	db *sqlx.DB
}

func NewOutboxRepository(db *sqlx.DB) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db}
}

var _ OutboxRepository = (*OutboxRepositoryImpl)(nil)

func (r *OutboxRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
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

func (r *OutboxRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, jobID, topic string, availableAt time.Time) error {
	const q = `
		INSERT INTO outbox (job_id, topic, status, available_at, created_at)
		VALUES ($1, $2, 'pending', $3, now())
	`
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q, jobID, topic, availableAt)
		return err
	})
}

func (r *OutboxRepositoryImpl) SelectPendingForUpdate(ctx context.Context, tx *sqlx.Tx, limit int) ([]model.OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
		SELECT id, job_id, topic, status, available_at, created_at, published_at
		  FROM outbox
		 WHERE status = 'pending' AND available_at <= now()
		 ORDER BY id
		 LIMIT $1
		 FOR UPDATE SKIP LOCKED
	`
	var entries []model.OutboxEntry
	err := tx.SelectContext(ctx, &entries, q, limit)
	return entries, err
}

func (r *OutboxRepositoryImpl) MarkPublished(ctx context.Context, tx *sqlx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`
		UPDATE outbox SET status = 'published', published_at = now()
		 WHERE id IN (?)
	`, ids)
	if err != nil {
		return err
	}
	query = r.db.Rebind(query)
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}
