// Package enrich calls an external classification service on a
// probabilistic sample of item text.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bmorrisey/threadfall/internal/crawl"
	"github.com/bmorrisey/threadfall/internal/metrics"
)

const (
	defaultMaxRetries = 3
	defaultMaxTextLen = 1000
	defaultTimeout    = 10 * time.Second
	retryPauseOnError = time.Second
	retryAfterSlack   = 100 * time.Millisecond
)

// Config controls the classification client.
type Config struct {
	Endpoint   string
	Token      string
	SampleRate float64
	MaxRetries int
	MaxTextLen int
	Timeout    time.Duration
}

// Sampler implements crawl.Scorer. Classification failure never propagates:
// the sampler degrades to the sentinel result so enrichment can never block
// the fetch/persist path.
type Sampler struct {
	cfg        Config
	httpClient *http.Client
	clock      crawl.Clock
	logger     *zap.Logger

	// injectable for tests
	draw  func() float64
	sleep func(ctx context.Context, d time.Duration)
}

// NewSampler creates a Sampler.
func NewSampler(cfg Config, clock crawl.Clock, logger *zap.Logger) *Sampler {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.MaxTextLen <= 0 {
		cfg.MaxTextLen = defaultMaxTextLen
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Sampler{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		clock:      clock,
		logger:     logger,
		draw:       rand.Float64,
		sleep:      sleepCtx,
	}
}

type scoreRequest struct {
	Token string `json:"token"`
	Text  string `json:"text"`
}

type scoreResponse struct {
	Response   string `json:"response"`
	Class      string `json:"class"`
	Confidence string `json:"confidence"`
}

// MaybeScore scores the text with probability SampleRate. The second return
// reports whether a classification was attempted at all; skipped items get
// no result, not the sentinel.
func (s *Sampler) MaybeScore(ctx context.Context, text string) (crawl.Enrichment, bool) {
	if s.draw() >= s.cfg.SampleRate {
		metrics.ObserveEnrichment("skipped")
		return crawl.Enrichment{}, false
	}
	return s.Score(ctx, text), true
}

// Score classifies the text, retrying rate limits and timeouts a bounded
// number of times. Empty text and exhausted retries produce the sentinel.
func (s *Sampler) Score(ctx context.Context, text string) crawl.Enrichment {
	normalized := normalizeText(text, s.cfg.MaxTextLen)
	if normalized == "" {
		metrics.ObserveEnrichment("sentinel")
		return crawl.Sentinel(s.clock.Now())
	}

	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		result, retryIn, err := s.scoreOnce(ctx, normalized)
		if err == nil {
			metrics.ObserveEnrichment("scored")
			return result
		}
		if ctx.Err() != nil {
			break
		}
		s.logger.Warn("classification attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if attempt < s.cfg.MaxRetries {
			if retryIn > 0 {
				metrics.ObserveRateLimitDelay(retryIn)
			} else {
				retryIn = retryPauseOnError
			}
			s.sleep(ctx, retryIn)
		}
	}
	metrics.ObserveEnrichment("sentinel")
	return crawl.Sentinel(s.clock.Now())
}

// scoreOnce performs one classification call. On 429 it returns the
// retry-after hint so the caller can wait at least that long.
func (s *Sampler) scoreOnce(ctx context.Context, text string) (crawl.Enrichment, time.Duration, error) {
	body, err := json.Marshal(scoreRequest{Token: s.cfg.Token, Text: text})
	if err != nil {
		return crawl.Enrichment{}, 0, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return crawl.Enrichment{}, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return crawl.Enrichment{}, 0, fmt.Errorf("classification request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryIn := retryAfterHint(resp.Header) + retryAfterSlack
		return crawl.Enrichment{}, retryIn, fmt.Errorf("classification rate limited")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return crawl.Enrichment{}, 0, fmt.Errorf("classification status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return crawl.Enrichment{}, 0, fmt.Errorf("read response: %w", err)
	}
	var parsed scoreResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return crawl.Enrichment{}, 0, fmt.Errorf("decode response: %w", err)
	}
	if parsed.Response != "Success" {
		return crawl.Enrichment{}, 0, fmt.Errorf("unexpected response %q", parsed.Response)
	}
	confidence, err := strconv.ParseFloat(parsed.Confidence, 64)
	if err != nil {
		return crawl.Enrichment{}, 0, fmt.Errorf("parse confidence %q: %w", parsed.Confidence, err)
	}
	return crawl.Enrichment{
		Attempted:   true,
		Class:       parsed.Class,
		Confidence:  confidence,
		ProcessedAt: s.clock.Now(),
	}, 0, nil
}

// normalizeText collapses internal whitespace and truncates to maxLen runes.
func normalizeText(text string, maxLen int) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	runes := []rune(collapsed)
	if len(runes) > maxLen {
		return string(runes[:maxLen])
	}
	return collapsed
}

func retryAfterHint(h http.Header) time.Duration {
	seconds, err := strconv.Atoi(h.Get("Retry-After"))
	if err != nil || seconds <= 0 {
		return time.Second
	}
	return time.Duration(seconds) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
