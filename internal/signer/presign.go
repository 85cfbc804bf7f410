package signer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// KVStore is the minimal subset of internal/cache.Store a PresignCache
// needs. internal/cache.Store satisfies this interface structurally, with
// no import from signer back to cache.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	PutInline(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// BackgroundScheduler schedules the refresh-ahead job. internal/scheduler.Scheduler
// satisfies this structurally.
type BackgroundScheduler interface {
	Schedule(name string, fn func(context.Context) error)
	RegisterPeriodic(name, cronExpr string, fn func(context.Context) error) error
}

// RefreshThreshold is the fraction of original TTL remaining below which a
// cached presigned URL is refreshed in the background ahead of expiry.
const RefreshThreshold = 0.20

// entry is the cached presigned URL plus the bookkeeping needed to decide
// when it needs a background refresh.
type entry struct {
	url       string
	issuedAt  time.Time
	expiresIn time.Duration
}

func (e entry) remainingFraction(now time.Time) float64 {
	elapsed := now.Sub(e.issuedAt)
	remaining := e.expiresIn - elapsed
	if e.expiresIn <= 0 {
		return 0
	}
	return float64(remaining) / float64(e.expiresIn)
}

// Signer produces a presigned URL for rawURL, valid for expiresIn from now.
type Signer interface {
	Presign(rawURL string, creds Credentials, expiresIn time.Duration, now time.Time) (string, error)
}

// PresignCache memoizes presigned URLs under the "presigned:<bucket>:<path>:<ttl>"
// KV namespace and refreshes them ahead of expiry via a background scheduler.
type PresignCache struct {
	store     KVStore
	signer    Signer
	scheduler BackgroundScheduler
	logger    *slog.Logger

	mu      sync.Mutex
	entries map[string]entry
}

// NewPresignCache constructs a PresignCache. scheduler may be nil, in which
// case refresh-ahead is skipped and URLs are simply re-signed on next Get
// once expired.
func NewPresignCache(store KVStore, sig Signer, scheduler BackgroundScheduler, logger *slog.Logger) *PresignCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &PresignCache{
		store:     store,
		signer:    sig,
		scheduler: scheduler,
		logger:    logger,
		entries:   make(map[string]entry),
	}
}

func cacheKey(bucket, path string, expiresIn time.Duration) string {
	return fmt.Sprintf("presigned:%s:%s:%d", bucket, path, int(expiresIn.Seconds()))
}

// Get returns a presigned URL for (bucket, rawURL), signing and caching it
// if absent or expired, and scheduling a background refresh when the
// cached entry is still valid but has dropped below RefreshThreshold of its
// original TTL.
func (c *PresignCache) Get(ctx context.Context, bucket, rawURL string, creds Credentials, expiresIn time.Duration) (string, error) {
	key := cacheKey(bucket, rawURL, expiresIn)
	now := time.Now()

	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()

	if ok && e.remainingFraction(now) > 0 {
		if e.remainingFraction(now) < RefreshThreshold {
			c.scheduleRefresh(key, bucket, rawURL, creds, expiresIn)
		}
		return e.url, nil
	}

	return c.sign(ctx, key, rawURL, creds, expiresIn, now)
}

func (c *PresignCache) sign(ctx context.Context, key, rawURL string, creds Credentials, expiresIn time.Duration, now time.Time) (string, error) {
	signed, err := c.signer.Presign(rawURL, creds, expiresIn, now)
	if err != nil {
		return "", fmt.Errorf("presigning url: %w", err)
	}

	e := entry{url: signed, issuedAt: now, expiresIn: expiresIn}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()

	ttl := expiresIn - expiresIn/10 // slightly shorter than expiresIn so the cache entry expires first
	if err := c.store.PutInline(ctx, key, []byte(signed), ttl); err != nil {
		c.logger.Warn("failed to persist presigned url", slog.String("key", key), slog.Any("error", err))
	}

	return signed, nil
}

func (c *PresignCache) scheduleRefresh(key, bucket, rawURL string, creds Credentials, expiresIn time.Duration) {
	if c.scheduler == nil {
		return
	}
	c.scheduler.Schedule("presign-refresh:"+key, func(ctx context.Context) error {
		_, err := c.sign(ctx, key, rawURL, creds, expiresIn, time.Now())
		return err
	})
}
