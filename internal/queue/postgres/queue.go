// Package postgres provides a Postgres-backed durable queue broker.
//
// Jobs live in a single table; workers claim the next due row with
// FOR UPDATE SKIP LOCKED so concurrent slots never double-claim. A claimed
// row that is not acked before its reservation lapses becomes claimable
// again, which is what makes delivery at-least-once across worker crashes.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bmorrisey/threadfall/internal/queue"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	defaultTable              = "jobs"
	defaultReservationTimeout = 2 * time.Minute
	defaultRetryDelay         = time.Minute
)

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Config controls the broker's table and delivery timing.
type Config struct {
	DSN                string
	Table              string
	ReservationTimeout time.Duration
	RetryDelay         time.Duration
}

func (c *Config) applyDefaults() {
	if c.Table == "" {
		c.Table = defaultTable
	}
	if c.ReservationTimeout <= 0 {
		c.ReservationTimeout = defaultReservationTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
}

// Broker implements queue.Broker on top of Postgres.
type Broker struct {
	pool db
	cfg  Config
}

// NewBroker connects to Postgres and ensures the jobs table exists.
func NewBroker(ctx context.Context, cfg Config) (*Broker, error) {
	cfg.applyDefaults()
	if cfg.DSN == "" {
		return nil, fmt.Errorf("queue dsn is required")
	}
	if !validTableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid table name %q", cfg.Table)
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	b := &Broker{pool: pool, cfg: cfg}
	if err := b.setup(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

// NewBrokerWithPool constructs a broker from an existing pool (primarily
// for testing). The table is not created.
func NewBrokerWithPool(pool db, cfg Config) (*Broker, error) {
	cfg.applyDefaults()
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if !validTableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid table name %q", cfg.Table)
	}
	return &Broker{pool: pool, cfg: cfg}, nil
}

func (b *Broker) setup(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id UUID PRIMARY KEY,
	queue TEXT NOT NULL,
	type TEXT NOT NULL,
	args JSONB,
	run_at TIMESTAMPTZ NOT NULL,
	reserved_until TIMESTAMPTZ,
	attempts INT NOT NULL DEFAULT 0,
	last_error TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS %s_claim_idx ON %s (queue, run_at);
`, b.cfg.Table, b.cfg.Table, b.cfg.Table)
	if _, err := b.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create jobs table: %w", err)
	}
	return nil
}

// Push enqueues a job for immediate delivery (or at job.At when set).
func (b *Broker) Push(ctx context.Context, job queue.Job) error {
	at := job.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return b.insert(ctx, []queue.Job{job}, at)
}

// PushBulk enqueues a batch in one statement. Individual delivery remains
// independent.
func (b *Broker) PushBulk(ctx context.Context, jobs []queue.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	return b.insert(ctx, jobs, time.Now().UTC())
}

// PushScheduled enqueues a job for delivery no earlier than at.
func (b *Broker) PushScheduled(ctx context.Context, job queue.Job, at time.Time) error {
	return b.insert(ctx, []queue.Job{job}, at)
}

func (b *Broker) insert(ctx context.Context, jobs []queue.Job, at time.Time) error {
	var (
		sb   strings.Builder
		args []any
	)
	fmt.Fprintf(&sb, "INSERT INTO %s (id, queue, type, args, run_at) VALUES ", b.cfg.Table)
	for i, job := range jobs {
		id := job.ID
		if id == "" {
			id = uuid.NewString()
		}
		runAt := at
		if !job.At.IsZero() {
			runAt = job.At
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 5
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d)", base+1, base+2, base+3, base+4, base+5)
		args = append(args, id, job.Queue, job.Type, []byte(job.Args), runAt)
	}
	if _, err := b.pool.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert jobs: %w", err)
	}
	return nil
}

// Claim reserves the next due job on any of the queues. Returns nil when no
// job is ready.
func (b *Broker) Claim(ctx context.Context, queues []string) (*queue.Delivery, error) {
	query := fmt.Sprintf(`
UPDATE %s SET
	reserved_until = NOW() + $1::interval,
	attempts = attempts + 1
WHERE id = (
	SELECT id FROM %s
	WHERE queue = ANY($2)
	  AND run_at <= NOW()
	  AND (reserved_until IS NULL OR reserved_until < NOW())
	ORDER BY run_at
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING id, queue, type, args, attempts`, b.cfg.Table, b.cfg.Table)

	reservation := fmt.Sprintf("%d seconds", int(b.cfg.ReservationTimeout.Seconds()))
	row := b.pool.QueryRow(ctx, query, reservation, queues)

	var (
		job     queue.Job
		attempt int
	)
	err := row.Scan(&job.ID, &job.Queue, &job.Type, &job.Args, &attempt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &queue.Delivery{Job: job, Attempt: attempt}, nil
}

// Ack deletes a completed job.
func (b *Broker) Ack(ctx context.Context, delivery *queue.Delivery) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", b.cfg.Table)
	if _, err := b.pool.Exec(ctx, query, delivery.Job.ID); err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return nil
}

// Fail releases a claimed job for redelivery after the retry delay,
// recording the cause.
func (b *Broker) Fail(ctx context.Context, delivery *queue.Delivery, cause error) error {
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	reserved_until = NULL,
	run_at = NOW() + $1::interval,
	last_error = $2
WHERE id = $3`, b.cfg.Table)

	delay := fmt.Sprintf("%d seconds", int(b.cfg.RetryDelay.Seconds()))
	if _, err := b.pool.Exec(ctx, query, delay, errText, delivery.Job.ID); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// Close releases the underlying pool.
func (b *Broker) Close() error {
	if b.pool != nil {
		b.pool.Close()
	}
	return nil
}
