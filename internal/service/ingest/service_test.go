package ingest_test

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmehdipour/evently/internal/model"
	"github.com/jmehdipour/evently/internal/repository"
	"github.com/jmehdipour/evently/internal/service/ingest"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEvents struct {
	existing  *model.Event
	misses    int // key lookups that miss before existing becomes visible
	insertErr error
	inserted  []model.Event
}

var _ repository.EventsRepository = (*fakeEvents)(nil)

func (f *fakeEvents) Insert(ctx context.Context, tx *sqlx.Tx, ev model.Event) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, ev)
	return nil
}

func (f *fakeEvents) GetByID(ctx context.Context, id string) (*model.Event, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeEvents) GetByIdempotencyKey(ctx context.Context, tx *sqlx.Tx, eventType, key string) (*model.Event, error) {
	if f.misses > 0 {
		f.misses--
		return nil, repository.ErrNotFound
	}
	if f.existing == nil {
		return nil, repository.ErrNotFound
	}
	return f.existing, nil
}

type fakeRoutes struct {
	matched []model.Route
}

var _ repository.RoutesRepository = (*fakeRoutes)(nil)

func (f *fakeRoutes) Insert(ctx context.Context, tx *sqlx.Tx, r model.Route) error { return nil }
func (f *fakeRoutes) GetByID(ctx context.Context, id string) (*model.Route, error) {
	return nil, repository.ErrNotFound
}
func (f *fakeRoutes) List(ctx context.Context, limit int) ([]model.Route, error) {
	return f.matched, nil
}
func (f *fakeRoutes) MatchEnabled(ctx context.Context, tx *sqlx.Tx, eventType string) ([]model.Route, error) {
	return f.matched, nil
}

type fakeJobs struct {
	inserted []model.Job
}

var _ repository.JobsRepository = (*fakeJobs)(nil)

func (f *fakeJobs) Insert(ctx context.Context, tx *sqlx.Tx, j model.Job) error {
	f.inserted = append(f.inserted, j)
	return nil
}
func (f *fakeJobs) GetByID(ctx context.Context, id string) (*model.Job, error) {
	return nil, repository.ErrNotFound
}
func (f *fakeJobs) Claim(ctx context.Context, id string) (*model.Job, error) { return nil, nil }
func (f *fakeJobs) Complete(ctx context.Context, tx *sqlx.Tx, id string, claimedAt time.Time, next model.JobStatus) (int, error) {
	return 0, nil
}
func (f *fakeJobs) ReclaimStuck(ctx context.Context, cutoff time.Time, limit int, topic string) ([]string, error) {
	return nil, nil
}
func (f *fakeJobs) RestageOrphans(ctx context.Context, cutoff time.Time, limit int, topic string) ([]string, error) {
	return nil, nil
}

type fakeOutbox struct {
	staged []string // job IDs
}

var _ repository.OutboxRepository = (*fakeOutbox)(nil)

func (f *fakeOutbox) Insert(ctx context.Context, tx *sqlx.Tx, jobID, topic string, availableAt time.Time) error {
	f.staged = append(f.staged, jobID)
	return nil
}
func (f *fakeOutbox) SelectPendingForUpdate(ctx context.Context, tx *sqlx.Tx, limit int) ([]model.OutboxEntry, error) {
	return nil, nil
}
func (f *fakeOutbox) MarkPublished(ctx context.Context, tx *sqlx.Tx, ids []int64) error {
	return nil
}

func webhookRoute(id string) model.Route {
	return model.Route{
		ID:          id,
		EventType:   "user.signed_up",
		ActionType:  model.ActionWebhookDeliver,
		Destination: []byte(`{"url":"https://example.test/hook"}`),
		RetryPolicy: []byte(`{"max_attempts":3}`),
		Enabled:     true,
	}
}

func submitHarness(t *testing.T, events *fakeEvents, routes *fakeRoutes) (*ingest.Service, *fakeJobs, *fakeOutbox, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	jobs := &fakeJobs{}
	outbox := &fakeOutbox{}
	svc := ingest.New(sqlx.NewDb(db, "sqlmock"), routes, events, jobs, outbox, "evently.jobs")
	return svc, jobs, outbox, mock
}

func TestSubmit_CreatesEventJobsAndOutboxTogether(t *testing.T) {
	events := &fakeEvents{}
	routes := &fakeRoutes{matched: []model.Route{webhookRoute("rt-1"), webhookRoute("rt-2")}}
	svc, jobs, outbox, mock := submitHarness(t, events, routes)
	mock.ExpectBegin()
	mock.ExpectCommit()

	res, err := svc.Submit(context.Background(), "user.signed_up", []byte(`{"user_id":42}`), "key-1")

	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.NotEmpty(t, res.Event.ID)
	require.Len(t, res.JobIDs, 2)
	require.Len(t, jobs.inserted, 2)
	assert.Equal(t, res.JobIDs[0], jobs.inserted[0].ID)
	assert.Equal(t, jobs.inserted[0].EventID, res.Event.ID)
	assert.ElementsMatch(t, res.JobIDs, outbox.staged, "one outbox entry per job, same transaction")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmit_DuplicateKeyReturnsStoredEvent(t *testing.T) {
	stored := &model.Event{ID: "ev-original", Type: "user.signed_up", Payload: []byte(`{"user_id":42}`)}
	events := &fakeEvents{existing: stored}
	routes := &fakeRoutes{matched: []model.Route{webhookRoute("rt-1")}}
	svc, jobs, outbox, mock := submitHarness(t, events, routes)

	res, err := svc.Submit(context.Background(), "user.signed_up", []byte(`{"user_id":42}`), "key-1")

	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, "ev-original", res.Event.ID)
	assert.Empty(t, res.JobIDs)
	assert.Empty(t, events.inserted, "re-submission writes nothing")
	assert.Empty(t, jobs.inserted)
	assert.Empty(t, outbox.staged)
	assert.NoError(t, mock.ExpectationsWereMet(), "the duplicate fast path opens no transaction")
}

func TestSubmit_RacingSubmittersConvergeOnWinner(t *testing.T) {
	// Both miss the fast-path lookup; the loser's insert hits the unique
	// constraint and re-reads the winner's row.
	winner := &model.Event{ID: "ev-winner", Type: "user.signed_up", Payload: []byte(`{}`)}
	events := &fakeEvents{existing: winner, misses: 1, insertErr: &pq.Error{Code: "23505"}}
	routes := &fakeRoutes{matched: []model.Route{webhookRoute("rt-1")}}
	svc, jobs, outbox, mock := submitHarness(t, events, routes)
	mock.ExpectBegin()
	mock.ExpectRollback()

	res, err := svc.Submit(context.Background(), "user.signed_up", []byte(`{}`), "key-1")

	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, "ev-winner", res.Event.ID)
	assert.Empty(t, res.JobIDs)
	assert.Empty(t, jobs.inserted)
	assert.Empty(t, outbox.staged)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmit_NoMatchingRoutesIsSuccess(t *testing.T) {
	events := &fakeEvents{}
	routes := &fakeRoutes{}
	svc, jobs, outbox, mock := submitHarness(t, events, routes)
	mock.ExpectBegin()
	mock.ExpectCommit()

	res, err := svc.Submit(context.Background(), "nobody.cares", []byte(`{}`), "")

	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Empty(t, res.JobIDs)
	require.Len(t, events.inserted, 1)
	assert.Empty(t, jobs.inserted)
	assert.Empty(t, outbox.staged)
	assert.NoError(t, mock.ExpectationsWereMet())
}
