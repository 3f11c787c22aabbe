// Package ingest persists incoming events idempotently and expands matching
// routes into jobs plus their outbox entries, all in a single transaction.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/jmehdipour/evently/internal/metrics"
	"github.com/jmehdipour/evently/internal/model"
	"github.com/jmehdipour/evently/internal/repository"
	"github.com/jmehdipour/evently/internal/util"
	"github.com/jmoiron/sqlx"
)

// ErrValidation marks malformed ingestion input; surfaced to the submitter,
// never retried.
var ErrValidation = errors.New("validation failed")

const maxTypeLen = 255

// Result reports one submission. Duplicate means the idempotency key matched
// a prior event: Event is the stored original and JobIDs is empty (jobs were
// created on first submission).
type Result struct {
	Event     model.Event
	Duplicate bool
	JobIDs    []string
}

// Service is the event ingestor, route matcher and job factory.
type Service struct {
	db     *sqlx.DB
	routes repository.RoutesRepository
	events repository.EventsRepository
	jobs   repository.JobsRepository
	outbox repository.OutboxRepository
	topic  string
}

func New(
	db *sqlx.DB,
	routesRepo repository.RoutesRepository,
	eventsRepo repository.EventsRepository,
	jobsRepo repository.JobsRepository,
	outboxRepo repository.OutboxRepository,
	topic string,
) *Service {
	return &Service{
		db:     db,
		routes: routesRepo,
		events: eventsRepo,
		jobs:   jobsRepo,
		outbox: outboxRepo,
		topic:  topic,
	}
}

// ValidateSubmission checks type and payload shape. Exported so the HTTP
// layer can reject early with the same rules.
func ValidateSubmission(eventType string, payload json.RawMessage) error {
	if eventType == "" || utf8.RuneCountInString(eventType) > maxTypeLen {
		return fmt.Errorf("%w: event type must be 1..%d characters", ErrValidation, maxTypeLen)
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return fmt.Errorf("%w: payload must be valid JSON", ErrValidation)
	}
	return nil
}

// Submit ingests one event. Re-submitting with a known (type, idempotency
// key) is a side-effect-free no-op returning the stored event. Otherwise the
// event, one job per enabled matching route, and one outbox entry per job
// commit together or not at all.
func (s *Service) Submit(ctx context.Context, eventType string, payload json.RawMessage, idemKey string) (Result, error) {
	if err := ValidateSubmission(eventType, payload); err != nil {
		metrics.EventsTotal.WithLabelValues("invalid").Inc()
		return Result{}, err
	}

	if idemKey != "" {
		if existing, err := s.events.GetByIdempotencyKey(ctx, nil, eventType, idemKey); err == nil {
			metrics.EventsTotal.WithLabelValues("duplicate").Inc()
			return Result{Event: *existing, Duplicate: true}, nil
		} else if !errors.Is(err, repository.ErrNotFound) {
			return Result{}, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	ev := model.Event{
		ID:      util.NewID(),
		Type:    eventType,
		Payload: []byte(payload),
	}
	if idemKey != "" {
		ev.IdempotencyKey = &idemKey
	}

	res, err := s.createWithJobs(ctx, ev)
	if err != nil {
		// Two submitters raced the same key: the winner's row is the event.
		if idemKey != "" && repository.IsUniqueViolation(err) {
			existing, lerr := s.events.GetByIdempotencyKey(ctx, nil, eventType, idemKey)
			if lerr != nil {
				return Result{}, fmt.Errorf("idempotency re-lookup: %w", lerr)
			}
			metrics.EventsTotal.WithLabelValues("duplicate").Inc()
			return Result{Event: *existing, Duplicate: true}, nil
		}
		return Result{}, err
	}

	metrics.EventsTotal.WithLabelValues("accepted").Inc()
	return res, nil
}

func (s *Service) createWithJobs(ctx context.Context, ev model.Event) (Result, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.events.Insert(ctx, tx, ev); err != nil {
		return Result{}, fmt.Errorf("insert event: %w", err)
	}

	routes, err := s.routes.MatchEnabled(ctx, tx, ev.Type)
	if err != nil {
		return Result{}, fmt.Errorf("match routes: %w", err)
	}

	jobIDs := make([]string, 0, len(routes))
	for _, route := range routes {
		job, err := s.buildJob(ev, route)
		if err != nil {
			return Result{}, err
		}
		if err := s.jobs.Insert(ctx, tx, job); err != nil {
			return Result{}, fmt.Errorf("insert job: %w", err)
		}
		if err := s.outbox.Insert(ctx, tx, job.ID, s.topic, time.Now()); err != nil {
			return Result{}, fmt.Errorf("insert outbox: %w", err)
		}
		jobIDs = append(jobIDs, job.ID)
	}

	if err := tx.Commit(); err != nil {
		return Result{}, err
	}

	metrics.JobsTotal.WithLabelValues("created").Add(float64(len(jobIDs)))
	return Result{Event: ev, JobIDs: jobIDs}, nil
}

// buildJob freezes the route's action kind, retry budget and destination
// into the job at this instant; later route edits never touch it.
func (s *Service) buildJob(ev model.Event, route model.Route) (model.Job, error) {
	dest, err := route.ParseDestination()
	if err != nil {
		return model.Job{}, fmt.Errorf("route %s destination: %w", route.ID, err)
	}
	policy, err := route.ParseRetryPolicy()
	if err != nil {
		return model.Job{}, fmt.Errorf("route %s retry policy: %w", route.ID, err)
	}

	payload, err := json.Marshal(model.NewEnvelope(ev, dest, policy))
	if err != nil {
		return model.Job{}, fmt.Errorf("marshal envelope: %w", err)
	}

	return model.Job{
		ID:          util.NewID(),
		EventID:     ev.ID,
		RouteID:     route.ID,
		ActionType:  route.ActionType,
		Payload:     payload,
		Status:      model.JobQueued,
		MaxAttempts: policy.MaxAttempts,
	}, nil
}
