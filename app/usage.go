package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/artpar/apimeter/adapters/metrics"
	"github.com/artpar/apimeter/domain/usage"
	"github.com/artpar/apimeter/domain/webhook"
	"github.com/artpar/apimeter/ports"
)

// Drop reasons reported on apimeter_usage_dropped_total.
const (
	DropBadStatus           = "bad_status"
	DropUnknownAPI          = "unknown_api"
	DropUnknownSubscription = "unknown_subscription"
	DropAPIMismatch         = "api_mismatch"
)

// ErrInvalidStatus rejects a status code outside 100..599.
var ErrInvalidStatus = errors.New("invalid HTTP status code")

// IngestResult counts the outcome of one log batch.
type IngestResult struct {
	Accepted  int  `json:"accepted"`
	Dropped   int  `json:"dropped"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// subscriptionRef is the immutable part of a subscription the ingest path
// needs. Status is never cached.
type subscriptionRef struct {
	ID    string
	APIID string
}

// UsageService turns gateway log entries into usage buckets.
type UsageService struct {
	usage  ports.UsageStore
	apis   ports.APIStore
	subs   ports.SubscriptionStore
	events ports.WebhookEventStore
	tx     ports.Transactor
	clock  ports.Clock

	fingerprint func(apiKey string) string
	apiCache    *lru.LRU[string, usage.API]
	subCache    *lru.LRU[string, subscriptionRef]
	concurrency int

	metrics *metrics.Collector
	logger  zerolog.Logger
}

// UsageDeps contains dependencies for UsageService.
type UsageDeps struct {
	Usage         ports.UsageStore
	APIs          ports.APIStore
	Subscriptions ports.SubscriptionStore
	Events        ports.WebhookEventStore
	Tx            ports.Transactor
	Clock         ports.Clock
	Fingerprint   func(apiKey string) string
	Metrics       *metrics.Collector // optional
	Logger        zerolog.Logger
}

// UsageConfig tunes ingestion.
type UsageConfig struct {
	Concurrency int           // concurrent increments per batch
	CacheSize   int           // entries per lookup cache
	CacheTTL    time.Duration // lookup cache lifetime
}

// NewUsageService creates a usage service.
func NewUsageService(deps UsageDeps, cfg UsageConfig) *UsageService {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	return &UsageService{
		usage:       deps.Usage,
		apis:        deps.APIs,
		subs:        deps.Subscriptions,
		events:      deps.Events,
		tx:          deps.Tx,
		clock:       deps.Clock,
		fingerprint: deps.Fingerprint,
		apiCache:    lru.NewLRU[string, usage.API](cfg.CacheSize, nil, cfg.CacheTTL),
		subCache:    lru.NewLRU[string, subscriptionRef](cfg.CacheSize, nil, cfg.CacheTTL),
		concurrency: cfg.Concurrency,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
	}
}

// RecordUsage folds one request into the bucket for (subscription, API, day).
func (s *UsageService) RecordUsage(ctx context.Context, subscriptionID, apiID string, at time.Time, statusCode int, latencyMs float64) error {
	if !usage.ValidStatusCode(statusCode) {
		return ErrInvalidStatus
	}
	if latencyMs < 0 {
		latencyMs = 0
	}
	key := usage.NewKey(subscriptionID, apiID, at)
	if err := s.usage.Increment(ctx, key, statusCode, latencyMs, s.clock.Now()); err != nil {
		return fmt.Errorf("record usage %s/%s/%s: %w", subscriptionID, apiID, key.DayString(), err)
	}
	return nil
}

// resolved is a log entry ready to be recorded.
type resolved struct {
	key     usage.Key
	slug    string
	status  int
	latency float64
}

// IngestBatch resolves and records a batch of gateway log entries. Entries
// that cannot be attributed are dropped and counted, never returned as
// errors. When batchID is set the batch is recorded once: a redelivered
// batch is acknowledged without counting it again.
func (s *UsageService) IngestBatch(ctx context.Context, batchID string, entries []usage.LogEntry) (IngestResult, error) {
	now := s.clock.Now()
	var (
		result IngestResult
		ready  []resolved
	)
	for _, e := range entries {
		r, reason, err := s.resolve(ctx, e, now)
		if err != nil {
			return IngestResult{}, err
		}
		if reason != "" {
			result.Dropped++
			s.drop(reason)
			continue
		}
		ready = append(ready, r)
	}

	var err error
	if batchID == "" {
		err = s.recordConcurrently(ctx, ready, now)
	} else {
		err = s.recordOnce(ctx, batchID, ready, now)
		if errors.Is(err, ErrDuplicateEvent) {
			s.logger.Info().Str("batch_id", batchID).Msg("duplicate log batch acknowledged")
			return IngestResult{Duplicate: true}, nil
		}
	}
	if err != nil {
		return IngestResult{}, err
	}

	result.Accepted = len(ready)
	if s.metrics != nil {
		for _, r := range ready {
			s.metrics.UsageRecorded.WithLabelValues(r.slug).Inc()
		}
	}
	s.logger.Debug().Int("accepted", result.Accepted).Int("dropped", result.Dropped).Msg("log batch ingested")
	return result, nil
}

func (s *UsageService) recordConcurrently(ctx context.Context, entries []resolved, now time.Time) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, r := range entries {
		g.Go(func() error {
			return s.usage.Increment(gctx, r.key, r.status, r.latency, now)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

func (s *UsageService) recordOnce(ctx context.Context, batchID string, entries []resolved, now time.Time) error {
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		seen, err := s.events.Exists(ctx, webhook.SourceGateway, batchID)
		if err != nil {
			return err
		}
		if seen {
			return ErrDuplicateEvent
		}
		for _, r := range entries {
			if err := s.usage.Increment(ctx, r.key, r.status, r.latency, now); err != nil {
				return fmt.Errorf("record usage: %w", err)
			}
		}
		err = s.events.Record(ctx, webhook.ProcessedEvent{
			ID:          batchID,
			Source:      webhook.SourceGateway,
			Type:        "gateway.log_batch",
			Outcome:     webhook.OutcomeApplied,
			ProcessedAt: now,
		})
		if errors.Is(err, ports.ErrDuplicate) {
			return ErrDuplicateEvent
		}
		return err
	})
}

// resolve attributes an entry to an API and subscription. It returns a drop
// reason for entries that cannot be attributed; err is reserved for store
// failures.
func (s *UsageService) resolve(ctx context.Context, e usage.LogEntry, now time.Time) (resolved, string, error) {
	if !usage.ValidStatusCode(e.Response.Status) {
		return resolved{}, DropBadStatus, nil
	}

	slug := usage.SlugFromURI(e.Request.URI)
	if !usage.ValidSlug(slug) {
		return resolved{}, DropUnknownAPI, nil
	}
	api, ok, err := s.lookupAPI(ctx, slug)
	if err != nil {
		return resolved{}, "", err
	}
	if !ok {
		return resolved{}, DropUnknownAPI, nil
	}

	sub, ok, err := s.lookupSubscription(ctx, e)
	if err != nil {
		return resolved{}, "", err
	}
	if !ok {
		return resolved{}, DropUnknownSubscription, nil
	}
	if sub.APIID != api.ID {
		return resolved{}, DropAPIMismatch, nil
	}

	latency := e.LatencyMs()
	if latency < 0 {
		latency = 0
	}
	return resolved{
		key:     usage.NewKey(sub.ID, api.ID, e.ObservedAt(now)),
		slug:    api.Slug,
		status:  e.Response.Status,
		latency: latency,
	}, "", nil
}

func (s *UsageService) lookupAPI(ctx context.Context, slug string) (usage.API, bool, error) {
	if api, ok := s.apiCache.Get(slug); ok {
		return api, true, nil
	}
	api, err := s.apis.GetBySlug(ctx, slug)
	if isNotFound(err) {
		return usage.API{}, false, nil
	}
	if err != nil {
		return usage.API{}, false, fmt.Errorf("lookup api %s: %w", slug, err)
	}
	s.apiCache.Add(slug, api)
	return api, true, nil
}

// lookupSubscription resolves the gateway consumer, falling back to the
// apikey request header.
func (s *UsageService) lookupSubscription(ctx context.Context, e usage.LogEntry) (subscriptionRef, bool, error) {
	if ref := e.ConsumerRef(); ref != "" {
		return s.cachedSubscription(ctx, "id:"+ref, func() (string, string, error) {
			sub, err := s.subs.Get(ctx, ref)
			return sub.ID, sub.APIID, err
		})
	}

	apiKey := e.Header("apikey")
	if apiKey == "" {
		apiKey = e.Header("X-API-Key")
	}
	if apiKey == "" || s.fingerprint == nil {
		return subscriptionRef{}, false, nil
	}
	hash := s.fingerprint(apiKey)
	return s.cachedSubscription(ctx, "key:"+hash, func() (string, string, error) {
		sub, err := s.subs.GetByAPIKeyHash(ctx, hash)
		return sub.ID, sub.APIID, err
	})
}

func (s *UsageService) cachedSubscription(ctx context.Context, cacheKey string, load func() (string, string, error)) (subscriptionRef, bool, error) {
	if ref, ok := s.subCache.Get(cacheKey); ok {
		return ref, true, nil
	}
	id, apiID, err := load()
	if isNotFound(err) {
		return subscriptionRef{}, false, nil
	}
	if err != nil {
		return subscriptionRef{}, false, fmt.Errorf("lookup subscription: %w", err)
	}
	ref := subscriptionRef{ID: id, APIID: apiID}
	s.subCache.Add(cacheKey, ref)
	return ref, true, nil
}

func (s *UsageService) drop(reason string) {
	if s.metrics != nil {
		s.metrics.UsageDropped.WithLabelValues(reason).Inc()
	}
}

// Records returns a subscription's usage buckets with day in [from, to).
func (s *UsageService) Records(ctx context.Context, subscriptionID string, from, to time.Time) ([]usage.Record, error) {
	return s.usage.ListRange(ctx, subscriptionID, from, to)
}
