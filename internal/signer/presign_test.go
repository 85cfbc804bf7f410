package signer

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{data: make(map[string][]byte)} }

func (s *fakeStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *fakeStore) PutInline(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

type fakeSigner struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeSigner) Presign(rawURL string, creds Credentials, expiresIn time.Duration, now time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return rawURL + "?signed-at=" + now.Format(time.RFC3339Nano), nil
}

func (f *fakeSigner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeScheduler struct {
	mu  sync.Mutex
	ran []string
}

func (f *fakeScheduler) Schedule(name string, fn func(context.Context) error) {
	f.mu.Lock()
	f.ran = append(f.ran, name)
	f.mu.Unlock()
	_ = fn(context.Background())
}

func (f *fakeScheduler) RegisterPeriodic(name, cronExpr string, fn func(context.Context) error) error {
	return nil
}

func TestPresignCacheSignsOnceAndReusesFromCache(t *testing.T) {
	store := newFakeStore()
	sig := &fakeSigner{}
	c := NewPresignCache(store, sig, nil, nil)

	url1, err := c.Get(context.Background(), "bucket", "https://bucket.s3.amazonaws.com/key", testCreds(), time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	url2, err := c.Get(context.Background(), "bucket", "https://bucket.s3.amazonaws.com/key", testCreds(), time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if url1 != url2 {
		t.Fatalf("expected cached url to be reused, got %q != %q", url1, url2)
	}
	if sig.count() != 1 {
		t.Fatalf("expected signer to be called exactly once, got %d", sig.count())
	}
}

func TestPresignCacheTriggersBackgroundRefreshBelowThreshold(t *testing.T) {
	store := newFakeStore()
	sig := &fakeSigner{}
	sched := &fakeScheduler{}
	c := NewPresignCache(store, sig, sched, nil)

	ctx := context.Background()
	const bucket, raw = "bucket", "https://bucket.s3.amazonaws.com/key"

	// First call signs and caches a very short TTL.
	if _, err := c.Get(ctx, bucket, raw, testCreds(), 100*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Let most of the TTL elapse so remaining fraction drops below 20%.
	time.Sleep(85 * time.Millisecond)

	if _, err := c.Get(ctx, bucket, raw, testCreds(), 100*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sched.mu.Lock()
	refreshCount := len(sched.ran)
	sched.mu.Unlock()
	if refreshCount == 0 {
		t.Fatal("expected a background refresh job to be scheduled")
	}
}

func TestPresignCacheResignsAfterExpiry(t *testing.T) {
	store := newFakeStore()
	sig := &fakeSigner{}
	c := NewPresignCache(store, sig, nil, nil)
	ctx := context.Background()

	if _, err := c.Get(ctx, "bucket", "https://bucket.s3.amazonaws.com/key", testCreds(), 10*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := c.Get(ctx, "bucket", "https://bucket.s3.amazonaws.com/key", testCreds(), 10*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sig.count() != 2 {
		t.Fatalf("expected signer to be invoked again after expiry, got %d calls", sig.count())
	}
}
