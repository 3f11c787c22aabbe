package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmehdipour/evently/internal/model"
	"github.com/jmoiron/sqlx"
)

// EventsRepository defines persistence for the events table. Events are
// immutable: insert and read only.
type EventsRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, ev model.Event) error
	GetByID(ctx context.Context, id string) (*model.Event, error)
	// GetByIdempotencyKey returns the event stored for (type, key), or
	// ErrNotFound.
	GetByIdempotencyKey(ctx context.Context, tx *sqlx.Tx, eventType, key string) (*model.Event, error)
}

type EventsRepositoryImpl struct {
	db *sqlx.DB
}

func NewEventsRepository(db *sqlx.DB) *EventsRepositoryImpl {
	return &EventsRepositoryImpl{db: db}
}

var _ EventsRepository = (*EventsRepositoryImpl)(nil)

func (r *EventsRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
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

func (r *EventsRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, ev model.Event) error {
	const q = `
		INSERT INTO events (id, type, payload, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, now())
	`
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q, ev.ID, ev.Type, ev.Payload, ev.IdempotencyKey)
		return err
	})
}

func (r *EventsRepositoryImpl) GetByID(ctx context.Context, id string) (*model.Event, error) {
	var ev model.Event
	err := r.db.GetContext(ctx, &ev, `
		SELECT id, type, payload, idempotency_key, created_at
		  FROM events
		 WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *EventsRepositoryImpl) GetByIdempotencyKey(ctx context.Context, tx *sqlx.Tx, eventType, key string) (*model.Event, error) {
	const q = `
		SELECT id, type, payload, idempotency_key, created_at
		  FROM events
		 WHERE type = $1 AND idempotency_key = $2
	`
	var ev model.Event
	err := r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		return tx.GetContext(ctx, &ev, q, eventType, key)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}
