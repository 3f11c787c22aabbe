package worker

import (
	"context"
	"time"

	"github.com/jmehdipour/evently/internal/metrics"
	"github.com/jmehdipour/evently/internal/repository"
	"go.uber.org/zap"
)

// Reclaimer re-queues jobs whose worker died mid-execution: anything still
// running past the visibility timeout goes back to queued with a fresh
// outbox entry, in one transaction. The crashed try left no attempt record,
// so it does not consume retry budget.
type Reclaimer struct {
	Jobs repository.JobsRepository

	Topic             string
	VisibilityTimeout time.Duration
	Interval          time.Duration
	BatchSize         int

	Log *zap.Logger
}

func NewReclaimer(jobsRepo repository.JobsRepository, topic string, log *zap.Logger) *Reclaimer {
	return &Reclaimer{
		Jobs:              jobsRepo,
		Topic:             topic,
		VisibilityTimeout: time.Minute,
		Interval:          15 * time.Second,
		BatchSize:         100,
		Log:               log,
	}
}

// Run sweeps until ctx is cancelled.
func (r *Reclaimer) Run(ctx context.Context) error {
	if r.VisibilityTimeout <= 0 {
		r.VisibilityTimeout = time.Minute
	}
	if r.Interval <= 0 {
		r.Interval = 15 * time.Second
	}
	if r.BatchSize <= 0 {
		r.BatchSize = 100
	}

	tick := time.NewTicker(r.Interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			cutoff := time.Now().Add(-r.VisibilityTimeout)
			ids, err := r.Jobs.ReclaimStuck(ctx, cutoff, r.BatchSize, r.Topic)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.Log.Warn("reclaim sweep failed", zap.Error(err))
				continue
			}
			if len(ids) > 0 {
				metrics.JobsTotal.WithLabelValues("reclaimed").Add(float64(len(ids)))
				r.Log.Info("reclaimed stuck jobs",
					zap.Int("count", len(ids)), zap.Strings("job_ids", ids))
			}

			// Queued jobs with no pending outbox entry have lost their
			// broker message (lost broker state, or a consumer that died
			// between offset commit and claim). Re-derive the entry from
			// the store so the relay picks them up again.
			staged, err := r.Jobs.RestageOrphans(ctx, cutoff, r.BatchSize, r.Topic)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.Log.Warn("orphan restage failed", zap.Error(err))
				continue
			}
			if len(staged) > 0 {
				r.Log.Info("restaged orphaned jobs",
					zap.Int("count", len(staged)), zap.Strings("job_ids", staged))
			}
		}
	}
}
