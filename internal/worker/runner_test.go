package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmehdipour/evently/internal/executor"
	"github.com/jmehdipour/evently/internal/kafka"
	"github.com/jmehdipour/evently/internal/model"
	"github.com/jmehdipour/evently/internal/repository"
	"github.com/jmehdipour/evently/internal/retry"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAttemptRecord(t *testing.T) {
	started := time.Now()
	finished := started.Add(120 * time.Millisecond)

	out := executor.Outcome{
		Class:           retry.ClassRetryable,
		StatusCode:      503,
		ResponseSnippet: "upstream unavailable",
		Error:           "destination status 503",
		StartedAt:       started,
		FinishedAt:      finished,
	}

	a := attemptRecord("job-1", 2, out)

	assert.Equal(t, "job-1", a.JobID)
	assert.Equal(t, 2, a.AttemptNo)
	assert.Equal(t, started, a.StartedAt)
	require.NotNil(t, a.FinishedAt)
	assert.Equal(t, finished, *a.FinishedAt)
	assert.False(t, a.Success)
	require.NotNil(t, a.StatusCode)
	assert.Equal(t, 503, *a.StatusCode)
	require.NotNil(t, a.Error)
	assert.Equal(t, "destination status 503", *a.Error)
	require.NotNil(t, a.ResponseSnippet)
	assert.Equal(t, "upstream unavailable", *a.ResponseSnippet)
}

func TestAttemptRecord_SuccessOmitsEmptyFields(t *testing.T) {
	out := executor.Outcome{
		Class:      retry.ClassSuccess,
		StatusCode: 200,
		StartedAt:  time.Now(),
		FinishedAt: time.Now(),
	}

	a := attemptRecord("job-1", 1, out)

	assert.True(t, a.Success)
	require.NotNil(t, a.StatusCode)
	assert.Equal(t, 200, *a.StatusCode)
	assert.Nil(t, a.Error)
	assert.Nil(t, a.ResponseSnippet)
}

func TestAttemptRecord_NoResponseLeavesStatusCodeNull(t *testing.T) {
	out := executor.Outcome{
		Class:     retry.ClassRetryable,
		Error:     "deliver: connection refused",
		StartedAt: time.Now(),
	}

	a := attemptRecord("job-1", 1, out)

	assert.Nil(t, a.StatusCode)
	assert.False(t, a.Success)
}

func TestJobPolicy_ColumnStaysAuthoritative(t *testing.T) {
	env := model.Envelope{
		EventID:   "ev-1",
		EventType: "user.signed_up",
		Data:      json.RawMessage(`{}`),
		Retry:     model.RetryPolicy{MaxAttempts: 99, BaseDelayMs: 500, Multiplier: 3, CapDelayMs: 5000},
	}
	payload, err := json.Marshal(env)
	require.NoError(t, err)

	job := &model.Job{ID: "job-1", Payload: payload, MaxAttempts: 3}

	p, err := jobPolicy(job)
	require.NoError(t, err)
	assert.Equal(t, 3, p.MaxAttempts, "max_attempts column wins over the envelope copy")
	assert.Equal(t, 500, p.BaseDelayMs)
	assert.Equal(t, 3.0, p.Multiplier)
	assert.Equal(t, 5000, p.CapDelayMs)
}

func TestJobPolicy_MalformedPayload(t *testing.T) {
	job := &model.Job{ID: "job-1", Payload: []byte(`{"event_id":`), MaxAttempts: 3}
	_, err := jobPolicy(job)
	assert.Error(t, err)
}

type fakeJobs struct {
	completeCalled  bool
	completeClaimed time.Time
	completeNext    model.JobStatus
	completeReturn  int
}

var _ repository.JobsRepository = (*fakeJobs)(nil)

func (f *fakeJobs) Insert(ctx context.Context, tx *sqlx.Tx, j model.Job) error { return nil }
func (f *fakeJobs) GetByID(ctx context.Context, id string) (*model.Job, error) {
	return nil, repository.ErrNotFound
}
func (f *fakeJobs) Claim(ctx context.Context, id string) (*model.Job, error) { return nil, nil }
func (f *fakeJobs) Complete(ctx context.Context, tx *sqlx.Tx, id string, claimedAt time.Time, next model.JobStatus) (int, error) {
	f.completeCalled = true
	f.completeClaimed = claimedAt
	f.completeNext = next
	return f.completeReturn, nil
}
func (f *fakeJobs) ReclaimStuck(ctx context.Context, cutoff time.Time, limit int, topic string) ([]string, error) {
	return nil, nil
}
func (f *fakeJobs) RestageOrphans(ctx context.Context, cutoff time.Time, limit int, topic string) ([]string, error) {
	return nil, nil
}

type fakeAttempts struct {
	inserted []model.Attempt
}

var _ repository.AttemptsRepository = (*fakeAttempts)(nil)

func (f *fakeAttempts) Insert(ctx context.Context, tx *sqlx.Tx, a model.Attempt) error {
	f.inserted = append(f.inserted, a)
	return nil
}
func (f *fakeAttempts) ListByJob(ctx context.Context, jobID string) ([]model.Attempt, error) {
	return f.inserted, nil
}

type fakeOutbox struct {
	staged []time.Time
}

var _ repository.OutboxRepository = (*fakeOutbox)(nil)

func (f *fakeOutbox) Insert(ctx context.Context, tx *sqlx.Tx, jobID, topic string, availableAt time.Time) error {
	f.staged = append(f.staged, availableAt)
	return nil
}
func (f *fakeOutbox) SelectPendingForUpdate(ctx context.Context, tx *sqlx.Tx, limit int) ([]model.OutboxEntry, error) {
	return nil, nil
}
func (f *fakeOutbox) MarkPublished(ctx context.Context, tx *sqlx.Tx, ids []int64) error {
	return nil
}

func completionHarness(t *testing.T) (*Runner, *fakeJobs, *fakeAttempts, *fakeOutbox, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	jobs := &fakeJobs{}
	attempts := &fakeAttempts{}
	outbox := &fakeOutbox{}
	w := &Runner{
		DB:       sqlx.NewDb(db, "sqlmock"),
		Jobs:     jobs,
		Attempts: attempts,
		Outbox:   outbox,
		Topic:    "evently.jobs",
		Log:      zap.NewNop(),
	}
	return w, jobs, attempts, outbox, mock
}

func claimedJob(t *testing.T, claimedAt time.Time) *model.Job {
	t.Helper()
	payload, err := json.Marshal(model.Envelope{
		EventID:     "ev-1",
		EventType:   "user.signed_up",
		Data:        json.RawMessage(`{}`),
		Destination: model.Destination{URL: "https://example.test/hook"},
		Retry:       model.RetryPolicy{MaxAttempts: 3, BaseDelayMs: 1000, Multiplier: 2, CapDelayMs: 30000},
	})
	require.NoError(t, err)
	return &model.Job{
		ID:          "job-1",
		EventID:     "ev-1",
		RouteID:     "rt-1",
		ActionType:  model.ActionWebhookDeliver,
		Payload:     payload,
		Status:      model.JobRunning,
		Attempt:     0,
		MaxAttempts: 3,
		ClaimedAt:   &claimedAt,
	}
}

func TestComplete_FinalizesOwnClaimOnly(t *testing.T) {
	w, jobs, attempts, outbox, mock := completionHarness(t)
	jobs.completeReturn = 1
	mock.ExpectBegin()
	mock.ExpectCommit()

	stamp := time.Now().Add(-time.Second)
	job := claimedJob(t, stamp)
	out := executor.Outcome{
		Class:      retry.ClassSuccess,
		StatusCode: 200,
		StartedAt:  time.Now(),
		FinishedAt: time.Now(),
	}

	w.complete(context.Background(), job, out)

	require.True(t, jobs.completeCalled)
	assert.Equal(t, stamp, jobs.completeClaimed, "completion carries the timestamp of the claim that ran the attempt")
	assert.Equal(t, model.JobSucceeded, jobs.completeNext)
	require.Len(t, attempts.inserted, 1)
	assert.Equal(t, 1, attempts.inserted[0].AttemptNo)
	assert.Empty(t, outbox.staged)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestComplete_ReclaimedClaimDropsResult(t *testing.T) {
	w, jobs, attempts, outbox, mock := completionHarness(t)
	jobs.completeReturn = 0 // claim fence no longer matches
	mock.ExpectBegin()
	mock.ExpectRollback()

	job := claimedJob(t, time.Now().Add(-2*time.Minute))
	out := executor.Outcome{
		Class:      retry.ClassSuccess,
		StatusCode: 200,
		StartedAt:  time.Now(),
		FinishedAt: time.Now(),
	}

	w.complete(context.Background(), job, out)

	require.True(t, jobs.completeCalled)
	assert.Empty(t, attempts.inserted, "a reclaimed claim must not leave an attempt record")
	assert.Empty(t, outbox.staged)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestComplete_RetryStagesDelayedPublish(t *testing.T) {
	w, jobs, attempts, outbox, mock := completionHarness(t)
	jobs.completeReturn = 1
	mock.ExpectBegin()
	mock.ExpectCommit()

	before := time.Now()
	job := claimedJob(t, before)
	out := executor.Outcome{
		Class:      retry.ClassRetryable,
		StatusCode: 503,
		Error:      "destination status 503",
		StartedAt:  before,
		FinishedAt: time.Now(),
	}

	w.complete(context.Background(), job, out)

	assert.Equal(t, model.JobQueued, jobs.completeNext)
	require.Len(t, attempts.inserted, 1)
	require.Len(t, outbox.staged, 1)
	assert.False(t, outbox.staged[0].Before(before.Add(time.Second)), "first retry waits the base delay")
	assert.NoError(t, mock.ExpectationsWereMet())
}

type fakeSource struct {
	mu        sync.Mutex
	queue     [][]byte
	committed int
}

var _ MessageSource = (*fakeSource)(nil)

func (f *fakeSource) Fetch(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.queue) > 0 {
		v := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()
		return kafka.Message{Value: v}, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeSource) Commit(ctx context.Context, m kafka.Message) error {
	f.mu.Lock()
	f.committed++
	f.mu.Unlock()
	return nil
}

func (f *fakeSource) commits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.committed
}

func TestRun_DrainsProcessorsOnShutdown(t *testing.T) {
	w, _, _, _, _ := completionHarness(t)
	src := &fakeSource{queue: [][]byte{[]byte("job-a"), []byte("job-b"), []byte("job-c")}}
	w.Consumer = src
	w.Workers = 2

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	// every message claim-misses and gets committed
	require.Eventually(t, func() bool { return src.commits() == 3 },
		2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
