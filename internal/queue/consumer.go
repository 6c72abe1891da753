package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bmorrisey/threadfall/internal/metrics"
)

const defaultPollInterval = 500 * time.Millisecond

// Consumer pulls jobs from a set of named queues and dispatches each to the
// handler registered for its type. N worker slots pull independently; no
// ordering is guaranteed across items.
type Consumer struct {
	broker       Broker
	queues       []string
	concurrency  int
	pollInterval time.Duration
	logger       *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewConsumer creates a Consumer over the given queues.
func NewConsumer(broker Broker, queues []string, concurrency int, logger *zap.Logger) *Consumer {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Consumer{
		broker:       broker,
		queues:       queues,
		concurrency:  concurrency,
		pollInterval: defaultPollInterval,
		logger:       logger,
		handlers:     make(map[string]Handler),
	}
}

// Register installs the handler for a job type. Registering the same type
// twice is a programming error.
func (c *Consumer) Register(jobType string, h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.handlers[jobType]; exists {
		return fmt.Errorf("handler already registered for job type %q", jobType)
	}
	c.handlers[jobType] = h
	return nil
}

// Run blocks, dispatching jobs until the context finishes.
func (c *Consumer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < c.concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			c.workLoop(ctx, slot)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (c *Consumer) workLoop(ctx context.Context, slot int) {
	for {
		if ctx.Err() != nil {
			return
		}
		delivery, err := c.broker.Claim(ctx, c.queues)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("claim failed", zap.Int("slot", slot), zap.Error(err))
			c.pause(ctx, c.pollInterval)
			continue
		}
		if delivery == nil {
			c.pause(ctx, c.pollInterval)
			continue
		}
		c.process(ctx, delivery)
	}
}

// process runs one job. Handler errors and panics are contained here: they
// fail the delivery for broker-level redelivery but never crash the slot.
func (c *Consumer) process(ctx context.Context, delivery *Delivery) {
	metrics.WorkerStarted()
	defer metrics.WorkerFinished()

	job := delivery.Job
	c.mu.RLock()
	handler, ok := c.handlers[job.Type]
	c.mu.RUnlock()
	if !ok {
		c.logger.Error("no handler for job type",
			zap.String("type", job.Type),
			zap.String("queue", job.Queue),
		)
		// Unroutable jobs are acked so they do not cycle forever.
		if err := c.broker.Ack(ctx, delivery); err != nil {
			c.logger.Error("ack unroutable job", zap.Error(err))
		}
		metrics.ObserveJob(job.Type, "unroutable")
		return
	}

	err := c.runHandler(ctx, handler, job)
	if err != nil {
		c.logger.Warn("job failed",
			zap.String("type", job.Type),
			zap.String("queue", job.Queue),
			zap.Int("attempt", delivery.Attempt),
			zap.Error(err),
		)
		if ferr := c.broker.Fail(ctx, delivery, err); ferr != nil {
			c.logger.Error("fail delivery", zap.Error(ferr))
		}
		metrics.ObserveJob(job.Type, "failed")
		return
	}
	if err := c.broker.Ack(ctx, delivery); err != nil {
		c.logger.Error("ack delivery", zap.Error(err))
	}
	metrics.ObserveJob(job.Type, "succeeded")
}

func (c *Consumer) runHandler(ctx context.Context, handler Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (c *Consumer) pause(ctx context.Context, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
