// Package queue defines a durable, at-least-once job queue abstraction
// with immediate and scheduled enqueue, fan-out push, and named-queue
// consumption with bounded concurrency.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Job is a unit of work submitted to a named queue. Delivery is
// at-least-once: handlers must be idempotent on redelivery.
type Job struct {
	ID    string
	Type  string
	Queue string
	Args  json.RawMessage
	// At defers delivery until the given time; the zero value means
	// deliver as soon as possible.
	At time.Time
}

// NewJob builds a Job, marshaling args to JSON.
func NewJob(jobType, queueName string, args any) (Job, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return Job{}, fmt.Errorf("marshal job args: %w", err)
	}
	return Job{
		Type:  jobType,
		Queue: queueName,
		Args:  raw,
	}, nil
}

// Delivery is a claimed job awaiting acknowledgement. Attempt counts
// transport-level deliveries, starting at 1.
type Delivery struct {
	Job     Job
	Attempt int
}

// Handler processes one delivered job. A returned error leaves the job for
// redelivery per the broker's retry policy.
type Handler func(ctx context.Context, job Job) error

// Producer enqueues jobs.
type Producer interface {
	Push(ctx context.Context, job Job) error
	PushBulk(ctx context.Context, jobs []Job) error
	PushScheduled(ctx context.Context, job Job, at time.Time) error
}

// Broker is the full queue contract: producing plus claim-based consuming.
// Claim returns nil when no job is ready. A claimed job not acked before
// the broker's reservation lapses is redelivered.
type Broker interface {
	Producer
	Claim(ctx context.Context, queues []string) (*Delivery, error)
	Ack(ctx context.Context, delivery *Delivery) error
	Fail(ctx context.Context, delivery *Delivery, cause error) error
	Close() error
}
