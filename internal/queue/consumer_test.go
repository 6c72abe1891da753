package queue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bmorrisey/threadfall/internal/queue"
	"github.com/bmorrisey/threadfall/internal/queue/memory"
)

func TestConsumerDispatchesByType(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := memory.NewBroker()
	consumer := queue.NewConsumer(broker, []string{"crawl-fetch"}, 2, zap.NewNop())

	var fetches atomic.Int32
	require.NoError(t, consumer.Register("fetch-item", func(_ context.Context, _ queue.Job) error {
		fetches.Add(1)
		return nil
	}))

	job, err := queue.NewJob("fetch-item", "crawl-fetch", []string{"a"})
	require.NoError(t, err)
	require.NoError(t, broker.Push(ctx, job))

	go func() {
		_ = consumer.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return fetches.Load() == 1 && broker.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConsumerRedeliversFailedJob(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := memory.NewBroker()
	consumer := queue.NewConsumer(broker, []string{"crawl-fetch"}, 1, zap.NewNop())

	var attempts atomic.Int32
	require.NoError(t, consumer.Register("fetch-item", func(_ context.Context, _ queue.Job) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}))

	job, err := queue.NewJob("fetch-item", "crawl-fetch", nil)
	require.NoError(t, err)
	require.NoError(t, broker.Push(ctx, job))

	go func() {
		_ = consumer.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return attempts.Load() == 3 && broker.Len() == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestConsumerSurvivesHandlerPanic(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := memory.NewBroker()
	consumer := queue.NewConsumer(broker, []string{"crawl-fetch"}, 1, zap.NewNop())

	var attempts atomic.Int32
	require.NoError(t, consumer.Register("fetch-item", func(_ context.Context, _ queue.Job) error {
		if attempts.Add(1) == 1 {
			panic("boom")
		}
		return nil
	}))

	job, err := queue.NewJob("fetch-item", "crawl-fetch", nil)
	require.NoError(t, err)
	require.NoError(t, broker.Push(ctx, job))

	go func() {
		_ = consumer.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return attempts.Load() >= 2 && broker.Len() == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestConsumerAcksUnroutableJob(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := memory.NewBroker()
	consumer := queue.NewConsumer(broker, []string{"crawl-fetch"}, 1, zap.NewNop())

	job, err := queue.NewJob("unknown-type", "crawl-fetch", nil)
	require.NoError(t, err)
	require.NoError(t, broker.Push(ctx, job))

	go func() {
		_ = consumer.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return broker.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegisterRejectsDuplicateType(t *testing.T) {
	t.Parallel()

	consumer := queue.NewConsumer(memory.NewBroker(), []string{"q"}, 1, zap.NewNop())
	noop := func(_ context.Context, _ queue.Job) error { return nil }

	require.NoError(t, consumer.Register("fetch-item", noop))
	require.Error(t, consumer.Register("fetch-item", noop))
}
