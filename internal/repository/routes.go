package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmehdipour/evently/internal/model"
	"github.com/jmoiron/sqlx"
)

// RoutesRepository defines persistence for the routes table.
type RoutesRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, r model.Route) error
	GetByID(ctx context.Context, id string) (*model.Route, error)
	List(ctx context.Context, limit int) ([]model.Route, error)
	// MatchEnabled returns enabled routes whose event type equals eventType,
	// oldest first. Exact string match only; an empty result is valid.
	MatchEnabled(ctx context.Context, tx *sqlx.Tx, eventType string) ([]model.Route, error)
}

type RoutesRepositoryImpl struct {
	db *sqlx.DB
}

func NewRoutesRepository(db *sqlx.DB) *RoutesRepositoryImpl {
	return &RoutesRepositoryImpl{db: db}
}

var _ RoutesRepository = (*RoutesRepositoryImpl)(nil)

func (r *RoutesRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
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

func (r *RoutesRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, route model.Route) error {
	const q = `
		INSERT INTO routes (id, event_type, action_type, destination, retry_policy, enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			route.ID, route.EventType, route.ActionType.String(),
			route.Destination, route.RetryPolicy, route.Enabled,
		)
		return err
	})
}

func (r *RoutesRepositoryImpl) GetByID(ctx context.Context, id string) (*model.Route, error) {
	var route model.Route
	err := r.db.GetContext(ctx, &route, `
		SELECT id, event_type, action_type, destination, retry_policy, enabled, created_at
		  FROM routes
		 WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &route, nil
}

func (r *RoutesRepositoryImpl) List(ctx context.Context, limit int) ([]model.Route, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	var routes []model.Route
	err := r.db.SelectContext(ctx, &routes, `
		SELECT id, event_type, action_type, destination, retry_policy, enabled, created_at
		  FROM routes
		 ORDER BY created_at DESC
		 LIMIT $1
	`, limit)
	return routes, err
}

func (r *RoutesRepositoryImpl) MatchEnabled(ctx context.Context, tx *sqlx.Tx, eventType string) ([]model.Route, error) {
	const q = `
		SELECT id, event_type, action_type, destination, retry_policy, enabled, created_at
		  FROM routes
		 WHERE event_type = $1 AND enabled
		 ORDER BY created_at, id
	`
	var routes []model.Route
	err := r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		return tx.SelectContext(ctx, &routes, q, eventType)
	})
	return routes, err
}
