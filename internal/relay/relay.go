// Package relay moves committed outbox entries to the broker. Publishing and
// marking happen around one locked batch, so a crash between broker ack and
// commit only ever causes a republish, never a lost job. Consumers dedupe
// by claiming, so at-least-once publish is safe.
package relay

import (
	"context"
	"time"

	"github.com/jmehdipour/evently/internal/kafka"
	"github.com/jmehdipour/evently/internal/metrics"
	"github.com/jmehdipour/evently/internal/repository"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

type Relay struct {
	DB       *sqlx.DB
	Outbox   repository.OutboxRepository
	Producer *kafka.Producer

	PollInterval time.Duration
	BatchSize    int

	Log *zap.Logger
}

func New(db *sqlx.DB, outboxRepo repository.OutboxRepository, producer *kafka.Producer, log *zap.Logger) *Relay {
	return &Relay{
		DB:           db,
		Outbox:       outboxRepo,
		Producer:     producer,
		PollInterval: 500 * time.Millisecond,
		BatchSize:    100,
		Log:          log,
	}
}

// Run polls until ctx is cancelled. A full batch triggers an immediate next
// pass; an error or an empty pass waits one interval.
func (r *Relay) Run(ctx context.Context) error {
	if r.PollInterval <= 0 {
		r.PollInterval = 500 * time.Millisecond
	}
	if r.BatchSize <= 0 {
		r.BatchSize = 100
	}

	for {
		n, err := r.publishBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.Log.Warn("relay pass failed", zap.Error(err))
		}
		if err == nil && n == r.BatchSize {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.PollInterval):
		}
	}
}

// publishBatch locks one batch of due entries, publishes them, and marks
// them published in the same transaction. On any failure the transaction
// rolls back and the entries stay pending for the next pass.
func (r *Relay) publishBatch(ctx context.Context) (int, error) {
	tx, err := r.DB.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	entries, err := r.Outbox.SelectPendingForUpdate(ctx, tx, r.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	// One publish call per topic keeps broker round-trips bounded.
	byTopic := make(map[string][]string)
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		byTopic[e.Topic] = append(byTopic[e.Topic], e.JobID)
		ids = append(ids, e.ID)
	}
	for topic, jobIDs := range byTopic {
		if err := r.Producer.Publish(ctx, topic, jobIDs...); err != nil {
			return 0, err
		}
	}

	if err := r.Outbox.MarkPublished(ctx, tx, ids); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	metrics.OutboxPublishedTotal.Add(float64(len(entries)))
	r.Log.Debug("published outbox batch", zap.Int("entries", len(entries)))
	return len(entries), nil
}
