// Package memory provides an in-memory queue broker for local development
// and tests.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bmorrisey/threadfall/internal/queue"
)

const defaultRetryDelay = 100 * time.Millisecond

type pendingJob struct {
	job      queue.Job
	runAt    time.Time
	attempts int
	reserved bool
}

// Broker is a mutex-guarded queue.Broker. Scheduled jobs become visible
// once their run time passes; failed deliveries are redelivered after a
// short delay.
type Broker struct {
	mu         sync.Mutex
	jobs       map[string]*pendingJob
	retryDelay time.Duration
	closed     bool
	now        func() time.Time
}

// NewBroker constructs an empty Broker.
func NewBroker() *Broker {
	return &Broker{
		jobs:       make(map[string]*pendingJob),
		retryDelay: defaultRetryDelay,
		now:        time.Now,
	}
}

// SetNowFunc overrides the clock, for tests that exercise scheduling.
func (b *Broker) SetNowFunc(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Push enqueues a job for immediate delivery.
func (b *Broker) Push(_ context.Context, job queue.Job) error {
	return b.add(job, b.effectiveAt(job))
}

// PushBulk enqueues a batch. Jobs are delivered independently.
func (b *Broker) PushBulk(ctx context.Context, jobs []queue.Job) error {
	for _, job := range jobs {
		if err := b.Push(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// PushScheduled enqueues a job for delivery no earlier than at.
func (b *Broker) PushScheduled(_ context.Context, job queue.Job, at time.Time) error {
	return b.add(job, at)
}

func (b *Broker) effectiveAt(job queue.Job) time.Time {
	if !job.At.IsZero() {
		return job.At
	}
	return b.now()
}

func (b *Broker) add(job queue.Job, runAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("broker closed")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	b.jobs[job.ID] = &pendingJob{job: job, runAt: runAt}
	return nil
}

// Claim returns the next due job on any of the queues, or nil.
func (b *Broker) Claim(_ context.Context, queues []string) (*queue.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("broker closed")
	}
	wanted := make(map[string]struct{}, len(queues))
	for _, q := range queues {
		wanted[q] = struct{}{}
	}
	now := b.now()

	var best *pendingJob
	for _, p := range b.jobs {
		if p.reserved || p.runAt.After(now) {
			continue
		}
		if _, ok := wanted[p.job.Queue]; !ok {
			continue
		}
		if best == nil || p.runAt.Before(best.runAt) {
			best = p
		}
	}
	if best == nil {
		return nil, nil
	}
	best.reserved = true
	best.attempts++
	return &queue.Delivery{Job: best.job, Attempt: best.attempts}, nil
}

// Ack removes a claimed job.
func (b *Broker) Ack(_ context.Context, delivery *queue.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.jobs, delivery.Job.ID)
	return nil
}

// Fail releases a claimed job for redelivery after the retry delay.
func (b *Broker) Fail(_ context.Context, delivery *queue.Delivery, _ error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.jobs[delivery.Job.ID]
	if !ok {
		return nil
	}
	p.reserved = false
	p.runAt = b.now().Add(b.retryDelay)
	return nil
}

// Close marks the broker unusable.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Len reports the number of jobs currently held, for tests.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.jobs)
}
