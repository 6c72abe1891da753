// Package coordinator wires discovery, fetching, retry redrive and
// enrichment backfill together as self-rescheduling queue jobs.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bmorrisey/threadfall/internal/crawl"
	"github.com/bmorrisey/threadfall/internal/discovery"
	"github.com/bmorrisey/threadfall/internal/metrics"
	"github.com/bmorrisey/threadfall/internal/queue"
)

// Job types handled by the coordinator.
const (
	JobDiscoverUnit   = "discover-unit"
	JobFetchItem      = "fetch-item"
	JobRedriveFailed  = "redrive-failed"
	JobBackfillEnrich = "backfill-enrich"
)

// Queue names the coordinator schedules onto.
const (
	QueueDiscover = "crawl-discover"
	QueueFetch    = "crawl-fetch"
	QueueRetry    = "crawl-retry"
)

const (
	defaultDiscoverInterval = 5 * time.Minute
	defaultEmptyInterval    = 5 * time.Minute
	defaultErrorInterval    = 15 * time.Minute
	defaultRedriveInterval  = 5 * time.Minute
	defaultMaxFetchAttempts = 3
	defaultRedriveBatch     = 50
	defaultBackfillBatch    = 100
)

// Fetcher retrieves source data. FetchContainer returns the snapshot of
// currently listed item IDs; FetchLeaf persists a leaf's records and
// reports how many were stored.
type Fetcher interface {
	FetchContainer(ctx context.Context, unit string) (discovery.Snapshot, error)
	FetchLeaf(ctx context.Context, unit, itemID string) (int, error)
}

// Config controls coordinator scheduling.
type Config struct {
	DiscoverInterval time.Duration
	// EmptyInterval is the short retry cadence after a sweep that returned
	// no items; it stays short even when DiscoverInterval is stretched out.
	EmptyInterval time.Duration
	ErrorInterval time.Duration
	RedriveInterval  time.Duration
	MaxFetchAttempts int
	RedriveBatch     int
	BackfillBatch    int
	CompletionTopic  string
}

// Coordinator owns the crawl control loop. Every handler returns nil on
// domain-level failures so the job is always acked; recovery happens
// through explicit rescheduling and the retry ledger, never through broker
// redelivery of a half-done job.
type Coordinator struct {
	cfg          Config
	producer     queue.Producer
	fetcher      Fetcher
	records      crawl.RecordStore
	fetchLedger  crawl.RetryLedger
	enrichLedger crawl.RetryLedger
	scorer       crawl.Scorer
	publisher    crawl.Publisher
	clock        crawl.Clock
	logger       *zap.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(
	cfg Config,
	producer queue.Producer,
	fetcher Fetcher,
	records crawl.RecordStore,
	fetchLedger, enrichLedger crawl.RetryLedger,
	scorer crawl.Scorer,
	publisher crawl.Publisher,
	clock crawl.Clock,
	logger *zap.Logger,
) *Coordinator {
	if cfg.DiscoverInterval <= 0 {
		cfg.DiscoverInterval = defaultDiscoverInterval
	}
	if cfg.EmptyInterval <= 0 {
		cfg.EmptyInterval = defaultEmptyInterval
	}
	if cfg.ErrorInterval <= 0 {
		cfg.ErrorInterval = defaultErrorInterval
	}
	if cfg.RedriveInterval <= 0 {
		cfg.RedriveInterval = defaultRedriveInterval
	}
	if cfg.MaxFetchAttempts <= 0 {
		cfg.MaxFetchAttempts = defaultMaxFetchAttempts
	}
	if cfg.RedriveBatch <= 0 {
		cfg.RedriveBatch = defaultRedriveBatch
	}
	if cfg.BackfillBatch <= 0 {
		cfg.BackfillBatch = defaultBackfillBatch
	}
	return &Coordinator{
		cfg:          cfg,
		producer:     producer,
		fetcher:      fetcher,
		records:      records,
		fetchLedger:  fetchLedger,
		enrichLedger: enrichLedger,
		scorer:       scorer,
		publisher:    publisher,
		clock:        clock,
		logger:       logger,
	}
}

type discoverArgs struct {
	Unit     string   `json:"unit"`
	Previous []string `json:"previous,omitempty"`
}

type fetchArgs struct {
	Unit   string `json:"unit"`
	ItemID string `json:"item_id"`
}

type backfillArgs struct {
	Unit string `json:"unit"`
}

// completionEvent is published after a leaf item is fully stored.
type completionEvent struct {
	Unit        string    `json:"unit"`
	ItemID      string    `json:"item_id"`
	Records     int       `json:"records"`
	CompletedAt time.Time `json:"completed_at"`
}

// Register installs all coordinator handlers on the consumer.
func (c *Coordinator) Register(consumer *queue.Consumer) error {
	for jobType, handler := range map[string]queue.Handler{
		JobDiscoverUnit:   c.HandleDiscover,
		JobFetchItem:      c.HandleFetch,
		JobRedriveFailed:  c.HandleRedrive,
		JobBackfillEnrich: c.HandleBackfill,
	} {
		if err := consumer.Register(jobType, handler); err != nil {
			return err
		}
	}
	return nil
}

// Seed pushes the initial discovery job for a unit with an empty snapshot.
// The first tick only captures the baseline; diffs start on the second.
func (c *Coordinator) Seed(ctx context.Context, unit string) error {
	if unit == "" {
		return fmt.Errorf("unit is required")
	}
	job, err := queue.NewJob(JobDiscoverUnit, QueueDiscover, discoverArgs{Unit: unit})
	if err != nil {
		return err
	}
	return c.producer.Push(ctx, job)
}

// SeedRedrive pushes the initial redrive job. Exactly one should exist per
// deployment; it reschedules itself thereafter.
func (c *Coordinator) SeedRedrive(ctx context.Context) error {
	job, err := queue.NewJob(JobRedriveFailed, QueueRetry, struct{}{})
	if err != nil {
		return err
	}
	return c.producer.Push(ctx, job)
}

// SeedBackfill pushes a one-shot enrichment backfill for a unit. The job
// reschedules itself while full batches keep coming back.
func (c *Coordinator) SeedBackfill(ctx context.Context, unit string) error {
	if unit == "" {
		return fmt.Errorf("unit is required")
	}
	job, err := queue.NewJob(JobBackfillEnrich, QueueRetry, backfillArgs{Unit: unit})
	if err != nil {
		return err
	}
	return c.producer.Push(ctx, job)
}

// HandleDiscover sweeps a unit's container listing, fans out one fetch job
// per item that disappeared since the previous snapshot, and reschedules
// itself carrying the snapshot forward. The discovery cadence survives
// crashes because the schedule lives in the queue, not in process memory.
func (c *Coordinator) HandleDiscover(ctx context.Context, job queue.Job) error {
	var args discoverArgs
	if err := json.Unmarshal(job.Args, &args); err != nil {
		return fmt.Errorf("decode discover args: %w", err)
	}
	previous := discovery.Snapshot(args.Previous)

	current, err := c.fetcher.FetchContainer(ctx, args.Unit)
	if err != nil {
		c.logger.Error("container sweep failed",
			zap.String("unit", args.Unit),
			zap.Error(err),
		)
		// Keep the old snapshot so the missed diff is recovered next tick.
		c.reschedDiscover(ctx, args.Unit, previous, c.cfg.ErrorInterval)
		return nil
	}

	if len(current) == 0 && len(previous) > 0 {
		// An empty listing on a unit that had items is a source glitch,
		// not a mass expiry. Keep the snapshot and sweep again soon,
		// regardless of how long the normal cadence is.
		c.logger.Warn("container sweep returned no items",
			zap.String("unit", args.Unit),
		)
		c.reschedDiscover(ctx, args.Unit, previous, c.cfg.EmptyInterval)
		return nil
	}

	dead := discovery.Diff(previous, current)
	metrics.ObserveDeadSet(len(dead))
	if len(dead) > 0 {
		jobs := make([]queue.Job, 0, len(dead))
		for _, id := range dead {
			fetchJob, err := queue.NewJob(JobFetchItem, QueueFetch, fetchArgs{Unit: args.Unit, ItemID: id})
			if err != nil {
				c.reschedDiscover(ctx, args.Unit, previous, c.cfg.ErrorInterval)
				return nil
			}
			jobs = append(jobs, fetchJob)
		}
		if err := c.producer.PushBulk(ctx, jobs); err != nil {
			c.logger.Error("fan-out failed",
				zap.String("unit", args.Unit),
				zap.Int("jobs", len(jobs)),
				zap.Error(err),
			)
			c.reschedDiscover(ctx, args.Unit, previous, c.cfg.ErrorInterval)
			return nil
		}
		c.logger.Info("dispatched fetch jobs",
			zap.String("unit", args.Unit),
			zap.Int("dead", len(dead)),
		)
	}

	c.reschedDiscover(ctx, args.Unit, current, c.cfg.DiscoverInterval)
	return nil
}

func (c *Coordinator) reschedDiscover(ctx context.Context, unit string, snapshot discovery.Snapshot, in time.Duration) {
	job, err := queue.NewJob(JobDiscoverUnit, QueueDiscover, discoverArgs{Unit: unit, Previous: snapshot})
	if err != nil {
		c.logger.Error("build discover job", zap.String("unit", unit), zap.Error(err))
		return
	}
	if err := c.producer.PushScheduled(ctx, job, c.clock.Now().Add(in)); err != nil {
		c.logger.Error("reschedule discovery",
			zap.String("unit", unit),
			zap.Error(err),
		)
	}
}

// HandleFetch crawls one leaf item. Failure lands in the retry ledger
// instead of failing the job, so the queue never accumulates poison
// messages; the redrive loop owns recovery.
func (c *Coordinator) HandleFetch(ctx context.Context, job queue.Job) error {
	var args fetchArgs
	if err := json.Unmarshal(job.Args, &args); err != nil {
		return fmt.Errorf("decode fetch args: %w", err)
	}
	c.fetchItem(ctx, args.Unit, args.ItemID)
	return nil
}

// fetchItem runs one leaf crawl attempt and settles the ledger either way.
func (c *Coordinator) fetchItem(ctx context.Context, unit, itemID string) {
	stored, err := c.fetcher.FetchLeaf(ctx, unit, itemID)
	if err != nil || stored == 0 {
		cause := "no records stored"
		if err != nil {
			cause = err.Error()
		}
		c.logger.Warn("leaf fetch failed",
			zap.String("unit", unit),
			zap.String("item_id", itemID),
			zap.String("cause", cause),
		)
		if lerr := c.fetchLedger.RecordFailure(ctx, crawl.RetryEntry{
			ItemID:    itemID,
			Unit:      unit,
			LastError: cause,
		}); lerr != nil {
			c.logger.Error("record fetch failure", zap.String("item_id", itemID), zap.Error(lerr))
		}
		return
	}

	if err := c.fetchLedger.Clear(ctx, itemID); err != nil {
		c.logger.Error("clear ledger entry", zap.String("item_id", itemID), zap.Error(err))
	}
	if c.cfg.CompletionTopic != "" {
		if _, err := c.publisher.Publish(ctx, c.cfg.CompletionTopic, completionEvent{
			Unit:        unit,
			ItemID:      itemID,
			Records:     stored,
			CompletedAt: c.clock.Now(),
		}); err != nil {
			c.logger.Warn("publish completion event",
				zap.String("item_id", itemID),
				zap.Error(err),
			)
		}
	}
}

// HandleRedrive retries a bounded batch of previously failed items, then
// reschedules itself. Entries at the attempt cap are left frozen in the
// ledger for manual triage.
func (c *Coordinator) HandleRedrive(ctx context.Context, job queue.Job) error {
	entries, err := c.fetchLedger.ListRetryable(ctx, c.cfg.MaxFetchAttempts, c.cfg.RedriveBatch)
	if err != nil {
		c.logger.Error("list retryable items", zap.Error(err))
		c.reschedRedrive(ctx)
		return nil
	}
	for _, entry := range entries {
		c.fetchItem(ctx, entry.Unit, entry.ItemID)
	}

	if depth, err := c.fetchLedger.Depth(ctx); err == nil {
		metrics.SetLedgerDepth("fetch", depth)
	}
	if len(entries) > 0 {
		c.logger.Info("redrive pass complete", zap.Int("retried", len(entries)))
	}
	c.reschedRedrive(ctx)
	return nil
}

func (c *Coordinator) reschedRedrive(ctx context.Context) {
	job, err := queue.NewJob(JobRedriveFailed, QueueRetry, struct{}{})
	if err != nil {
		c.logger.Error("build redrive job", zap.Error(err))
		return
	}
	if err := c.producer.PushScheduled(ctx, job, c.clock.Now().Add(c.cfg.RedriveInterval)); err != nil {
		c.logger.Error("reschedule redrive", zap.Error(err))
	}
}

// HandleBackfill classifies one batch of records that were never run
// through the sampler, at full rate, and reschedules itself while full
// batches keep coming back.
func (c *Coordinator) HandleBackfill(ctx context.Context, job queue.Job) error {
	var args backfillArgs
	if err := json.Unmarshal(job.Args, &args); err != nil {
		return fmt.Errorf("decode backfill args: %w", err)
	}

	records, err := c.records.ListMissingEnrichment(ctx, args.Unit, c.cfg.BackfillBatch)
	if err != nil {
		c.logger.Error("list unenriched records",
			zap.String("unit", args.Unit),
			zap.Error(err),
		)
		return nil
	}
	for _, record := range records {
		enrichment := c.scorer.Score(ctx, extractText(record.Payload))
		if err := c.records.SetEnrichment(ctx, record.ID, enrichment); err != nil {
			c.logger.Warn("set enrichment",
				zap.String("record_id", record.ID),
				zap.Error(err),
			)
			if lerr := c.enrichLedger.RecordFailure(ctx, crawl.RetryEntry{
				ItemID:    record.ID,
				Unit:      record.Unit,
				ParentID:  record.ParentID,
				LastError: err.Error(),
			}); lerr != nil {
				c.logger.Error("record enrichment failure", zap.Error(lerr))
			}
		}
	}
	if depth, err := c.enrichLedger.Depth(ctx); err == nil {
		metrics.SetLedgerDepth("enrich", depth)
	}

	if len(records) == c.cfg.BackfillBatch {
		next, err := queue.NewJob(JobBackfillEnrich, QueueRetry, args)
		if err != nil {
			return err
		}
		if err := c.producer.Push(ctx, next); err != nil {
			c.logger.Error("reschedule backfill", zap.String("unit", args.Unit), zap.Error(err))
		}
		return nil
	}
	c.logger.Info("backfill complete",
		zap.String("unit", args.Unit),
		zap.Int("scored", len(records)),
	)
	return nil
}

// extractText pulls the text field out of a stored payload.
func extractText(payload json.RawMessage) string {
	var probe struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return probe.Text
}
