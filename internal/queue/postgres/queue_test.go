package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/bmorrisey/threadfall/internal/queue"
)

func newTestBroker(t *testing.T) (*Broker, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	broker, err := NewBrokerWithPool(mock, Config{
		Table:              "jobs",
		ReservationTimeout: 2 * time.Minute,
		RetryDelay:         time.Minute,
	})
	require.NoError(t, err)
	return broker, mock
}

func TestPushInsertsRow(t *testing.T) {
	t.Parallel()
	broker, mock := newTestBroker(t)

	job, err := queue.NewJob("fetch-item", "crawl-fetch", []string{"board", "t1"})
	require.NoError(t, err)
	job.ID = "7a5ef815-6f4f-4d8b-bd9c-0a4b82f1a001"

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(
			job.ID,
			"crawl-fetch",
			"fetch-item",
			[]byte(`["board","t1"]`),
			pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, broker.Push(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPushBulkInsertsAllRows(t *testing.T) {
	t.Parallel()
	broker, mock := newTestBroker(t)

	var jobs []queue.Job
	for _, id := range []string{"a", "b"} {
		job, err := queue.NewJob("fetch-item", "crawl-fetch", []string{id})
		require.NoError(t, err)
		job.ID = "00000000-0000-0000-0000-00000000000" + id
		jobs = append(jobs, job)
	}

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(
			jobs[0].ID, "crawl-fetch", "fetch-item", []byte(`["a"]`), pgxmock.AnyArg(),
			jobs[1].ID, "crawl-fetch", "fetch-item", []byte(`["b"]`), pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))

	require.NoError(t, broker.PushBulk(context.Background(), jobs))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPushScheduledUsesGivenTime(t *testing.T) {
	t.Parallel()
	broker, mock := newTestBroker(t)

	job, err := queue.NewJob("discover-unit", "crawl-discover", nil)
	require.NoError(t, err)
	job.ID = "7a5ef815-6f4f-4d8b-bd9c-0a4b82f1a002"
	at := time.Unix(1800000000, 0).UTC()

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(job.ID, "crawl-discover", "discover-unit", []byte("null"), at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, broker.PushScheduled(context.Background(), job, at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimReturnsNilWhenEmpty(t *testing.T) {
	t.Parallel()
	broker, mock := newTestBroker(t)

	mock.ExpectQuery("UPDATE jobs SET").
		WithArgs("120 seconds", []string{"crawl-fetch"}).
		WillReturnError(pgx.ErrNoRows)

	d, err := broker.Claim(context.Background(), []string{"crawl-fetch"})
	require.NoError(t, err)
	require.Nil(t, d)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimReturnsDelivery(t *testing.T) {
	t.Parallel()
	broker, mock := newTestBroker(t)

	rows := pgxmock.NewRows([]string{"id", "queue", "type", "args", "attempts"}).
		AddRow("job-1", "crawl-fetch", "fetch-item", []byte(`["board","t1"]`), 1)
	mock.ExpectQuery("UPDATE jobs SET").
		WithArgs("120 seconds", []string{"crawl-fetch"}).
		WillReturnRows(rows)

	d, err := broker.Claim(context.Background(), []string{"crawl-fetch"})
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, "fetch-item", d.Job.Type)
	require.Equal(t, 1, d.Attempt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAckDeletesRow(t *testing.T) {
	t.Parallel()
	broker, mock := newTestBroker(t)

	mock.ExpectExec("DELETE FROM jobs").
		WithArgs("job-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	d := &queue.Delivery{Job: queue.Job{ID: "job-1"}}
	require.NoError(t, broker.Ack(context.Background(), d))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailReschedulesRow(t *testing.T) {
	t.Parallel()
	broker, mock := newTestBroker(t)

	mock.ExpectExec("UPDATE jobs SET").
		WithArgs("60 seconds", "boom", "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	d := &queue.Delivery{Job: queue.Job{ID: "job-1"}}
	require.NoError(t, broker.Fail(context.Background(), d, errors.New("boom")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewBrokerWithPoolRejectsBadTable(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewBrokerWithPool(mock, Config{Table: "jobs; DROP TABLE jobs"})
	require.Error(t, err)
}
