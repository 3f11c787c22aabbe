package worker

import (
	"context"
	"sync"
	"time"

	"github.com/jmehdipour/evently/internal/executor"
	"github.com/jmehdipour/evently/internal/kafka"
	"github.com/jmehdipour/evently/internal/metrics"
	"github.com/jmehdipour/evently/internal/model"
	"github.com/jmehdipour/evently/internal/repository"
	"github.com/jmehdipour/evently/internal/retry"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Runner:
// - fetches job IDs from Kafka,
// - claims each job exclusively (queued → running, SKIP LOCKED),
// - executes the action and, in one transaction, records the attempt and
//   transitions the job (succeeded | re-queued with backoff | dead).
//
// Redeliveries are cheap: a job that is no longer claimable is committed
// and skipped.
type Runner struct {
	// Dependencies
	DB       *sqlx.DB
	Consumer MessageSource
	Jobs     repository.JobsRepository
	Attempts repository.AttemptsRepository
	Outbox   repository.OutboxRepository
	Execs    *executor.Registry

	// Behavior
	Topic   string // outbox topic for retry re-publishes
	Workers int    // number of goroutines executing claimed jobs

	Log *zap.Logger
}

// MessageSource is the broker side of the runner, satisfied by
// kafka.Consumer.
type MessageSource interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
}

func NewRunner(
	db *sqlx.DB,
	consumer MessageSource,
	jobsRepo repository.JobsRepository,
	attemptsRepo repository.AttemptsRepository,
	outboxRepo repository.OutboxRepository,
	execs *executor.Registry,
	topic string,
	log *zap.Logger,
) *Runner {
	return &Runner{
		DB:       db,
		Consumer: consumer,
		Jobs:     jobsRepo,
		Attempts: attemptsRepo,
		Outbox:   outboxRepo,
		Execs:    execs,
		Topic:    topic,
		Workers:  32,
		Log:      log,
	}
}

// Run starts the worker and blocks until ctx is cancelled.
func (w *Runner) Run(ctx context.Context) error {
	if w.Workers <= 0 {
		w.Workers = 32
	}

	msgCh := make(chan kafka.Message, w.Workers*2)

	// Fetcher goroutine
	go func() {
		defer close(msgCh)
		for {
			select {
			case <-ctx.Done():
				return
			default:
				m, err := w.Consumer.Fetch(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					w.Log.Warn("kafka fetch failed", zap.Error(err))
					time.Sleep(200 * time.Millisecond)
					continue
				}
				select {
				case msgCh <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	// Processors; Run returns only after every in-flight job has finished,
	// so the caller can close the pool safely.
	var wg sync.WaitGroup
	for i := 0; i < w.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.runProcessor(ctx, msgCh)
		}()
	}
	wg.Wait()
	return nil
}

func (w *Runner) runProcessor(ctx context.Context, in <-chan kafka.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			w.processOne(ctx, m)
		}
	}
}

func (w *Runner) processOne(ctx context.Context, m kafka.Message) {
	jobID, err := kafka.JobID(m)
	if err != nil {
		// poison message: commit and skip
		w.Log.Warn("bad broker message", zap.Error(err))
		_ = w.Consumer.Commit(ctx, m)
		return
	}

	job, err := w.Jobs.Claim(ctx, jobID)
	if err != nil {
		// store unavailable: leave the offset uncommitted so the message
		// comes back, never drop the job
		w.Log.Error("claim failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if job == nil {
		// redelivery of an already-claimed or terminal job
		_ = w.Consumer.Commit(ctx, m)
		return
	}
	metrics.JobsTotal.WithLabelValues("running").Inc()

	out := w.execute(ctx, job)
	w.complete(ctx, job, out)

	// Always commit: the store, not the broker, owns job state from here on.
	if err := w.Consumer.Commit(ctx, m); err != nil {
		w.Log.Warn("kafka commit failed", zap.Error(err))
	}
}

// execute resolves the action kind and runs it. Envelope or registry
// problems are permanent failures with attempt evidence, not panics.
func (w *Runner) execute(ctx context.Context, job *model.Job) executor.Outcome {
	started := time.Now()

	env, err := job.ParseEnvelope()
	if err != nil {
		return executor.Outcome{
			Class:      retry.ClassPermanent,
			Error:      "malformed job payload: " + err.Error(),
			StartedAt:  started,
			FinishedAt: time.Now(),
		}
	}

	exec, ok := w.Execs.Lookup(job.ActionType)
	if !ok {
		return executor.Outcome{
			Class:      retry.ClassPermanent,
			Error:      "no executor for action type " + job.ActionType.String(),
			StartedAt:  started,
			FinishedAt: time.Now(),
		}
	}

	out := exec.Execute(ctx, env)
	metrics.AttemptsTotal.WithLabelValues(job.ActionType.String(), out.Class.String()).Inc()
	return out
}

// complete transitions the job and appends the attempt record atomically.
func (w *Runner) complete(ctx context.Context, job *model.Job, out executor.Outcome) {
	policy, err := jobPolicy(job)
	if err != nil {
		// unparseable envelope already classified permanent in execute
		policy = model.RetryPolicy{MaxAttempts: job.MaxAttempts}.Normalized()
	}
	decision := retry.Decide(policy, job.Attempt+1, out.Class)

	if job.ClaimedAt == nil {
		// Claim stamps claimed_at on every row it returns
		w.Log.Error("job missing claim timestamp", zap.String("job_id", job.ID))
		return
	}

	tx, err := w.DB.BeginTxx(ctx, nil)
	if err != nil {
		w.Log.Error("begin completion tx", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	defer func() { _ = tx.Rollback() }()

	attemptNo, err := w.Jobs.Complete(ctx, tx, job.ID, *job.ClaimedAt, decision.Status)
	if err != nil {
		w.Log.Error("complete job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if attemptNo == 0 {
		// the reclaimer took the job back mid-flight (and another worker may
		// own it now); drop the result, the live claim produces its own
		// attempt record
		w.Log.Warn("job reclaimed during execution", zap.String("job_id", job.ID))
		return
	}

	if err := w.Attempts.Insert(ctx, tx, attemptRecord(job.ID, attemptNo, out)); err != nil {
		if repository.IsUniqueViolation(err) {
			// attempt numbering invariant broke; surface it, never repair
			w.Log.Error("duplicate attempt number",
				zap.String("job_id", job.ID), zap.Int("attempt_no", attemptNo))
		} else {
			w.Log.Error("record attempt", zap.String("job_id", job.ID), zap.Error(err))
		}
		return
	}

	if decision.Status == model.JobQueued {
		availableAt := time.Now().Add(decision.Delay)
		if err := w.Outbox.Insert(ctx, tx, job.ID, w.Topic, availableAt); err != nil {
			w.Log.Error("stage retry publish", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
	}

	if err := tx.Commit(); err != nil {
		w.Log.Error("commit completion tx", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	switch decision.Status {
	case model.JobSucceeded:
		metrics.JobsTotal.WithLabelValues("succeeded").Inc()
	case model.JobQueued:
		metrics.JobsTotal.WithLabelValues("requeued").Inc()
		w.Log.Info("job re-queued",
			zap.String("job_id", job.ID),
			zap.Int("attempt", attemptNo),
			zap.Duration("delay", decision.Delay))
	case model.JobDead:
		metrics.JobsTotal.WithLabelValues("dead").Inc()
		w.Log.Warn("job dead-lettered",
			zap.String("job_id", job.ID),
			zap.Int("attempts", attemptNo),
			zap.String("error", out.Error))
	}
}

// jobPolicy rebuilds the frozen policy; the max_attempts column stays
// authoritative over the envelope copy.
func jobPolicy(job *model.Job) (model.RetryPolicy, error) {
	env, err := job.ParseEnvelope()
	if err != nil {
		return model.RetryPolicy{}, err
	}
	p := env.Retry.Normalized()
	p.MaxAttempts = job.MaxAttempts
	return p, nil
}

func attemptRecord(jobID string, attemptNo int, out executor.Outcome) model.Attempt {
	a := model.Attempt{
		JobID:      jobID,
		AttemptNo:  attemptNo,
		StartedAt:  out.StartedAt,
		FinishedAt: &out.FinishedAt,
		Success:    out.Class == retry.ClassSuccess,
	}
	if out.StatusCode != 0 {
		code := out.StatusCode
		a.StatusCode = &code
	}
	if out.Error != "" {
		msg := out.Error
		a.Error = &msg
	}
	if out.ResponseSnippet != "" {
		snippet := out.ResponseSnippet
		a.ResponseSnippet = &snippet
	}
	return a
}
