package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"folio/internal/config"
)

// fakeStore is an in-memory BreakerStore with TTL semantics driven by an
// injectable clock, so window expiry is testable without waiting.
type fakeStore struct {
	mu      sync.Mutex
	entries map[string]fakeEntry
	now     func() time.Time
	failAll bool
}

type fakeEntry struct {
	value     string
	expiresAt time.Time
}

func newFakeStore(now func() time.Time) *fakeStore {
	return &fakeStore{entries: make(map[string]fakeEntry), now: now}
}

var errStoreDown = errors.New("store down")

func (s *fakeStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return "", errStoreDown
	}
	e, ok := s.entries[key]
	if !ok || (!e.expiresAt.IsZero() && s.now().After(e.expiresAt)) {
		delete(s.entries, key)
		return "", ErrKeyNotFound
	}
	return e.value, nil
}

func (s *fakeStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return errStoreDown
	}
	var exp time.Time
	if ttl > 0 {
		exp = s.now().Add(ttl)
	}
	s.entries[key] = fakeEntry{value: value, expiresAt: exp}
	return nil
}

func (s *fakeStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return 0, errStoreDown
	}
	e, ok := s.entries[key]
	if !ok || (!e.expiresAt.IsZero() && s.now().After(e.expiresAt)) {
		e = fakeEntry{value: "0"}
	}
	n := int64(0)
	for _, c := range e.value {
		n = n*10 + int64(c-'0')
	}
	n++
	s.entries[key] = fakeEntry{value: itoa(n), expiresAt: s.now().Add(ttl)}
	return n, nil
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func (s *fakeStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return errStoreDown
	}
	for _, k := range keys {
		delete(s.entries, k)
	}
	return nil
}

// fakeClock advances only when told to.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testBreakerConfig() config.BreakerConfig {
	return config.BreakerConfig{
		FailureThreshold: 5,
		FailureWindow:    5 * time.Minute,
		OpenDuration:     2 * time.Minute,
		StateTTL:         10 * time.Minute,
	}
}

func newTestBreaker(t *testing.T) (*CircuitBreaker, *fakeStore, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	store := newFakeStore(clock.Now)
	cb := NewCircuitBreaker(store, "primary", testBreakerConfig(), nil)
	cb.now = clock.Now
	return cb, store, clock
}

func TestBreaker_StartsClosed(t *testing.T) {
	cb, _, _ := newTestBreaker(t)
	ctx := context.Background()

	assert.Equal(t, StateClosed, cb.GetState(ctx))
	assert.True(t, cb.CanAttempt(ctx))
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	cb, _, _ := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		cb.RecordFailure(ctx)
		assert.Equal(t, StateClosed, cb.GetState(ctx), "failure %d should not trip", i+1)
	}

	cb.RecordFailure(ctx)
	assert.Equal(t, StateOpen, cb.GetState(ctx))
	assert.False(t, cb.CanAttempt(ctx))
}

func TestBreaker_WindowExpiryResetsCount(t *testing.T) {
	cb, _, clock := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		cb.RecordFailure(ctx)
	}

	// Counter key expires after the failure window; the next failure starts
	// a fresh count instead of tripping.
	clock.Advance(5*time.Minute + time.Second)
	cb.RecordFailure(ctx)
	assert.Equal(t, StateClosed, cb.GetState(ctx))
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	cb, _, clock := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		cb.RecordFailure(ctx)
	}
	require.Equal(t, StateOpen, cb.GetState(ctx))

	clock.Advance(time.Minute)
	assert.Equal(t, StateOpen, cb.GetState(ctx))
	assert.False(t, cb.CanAttempt(ctx))

	clock.Advance(time.Minute + time.Second)
	assert.Equal(t, StateHalfOpen, cb.GetState(ctx))
	assert.True(t, cb.CanAttempt(ctx))
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	cb, _, clock := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		cb.RecordFailure(ctx)
	}
	clock.Advance(3 * time.Minute)
	require.Equal(t, StateHalfOpen, cb.GetState(ctx))

	cb.RecordSuccess(ctx)
	assert.Equal(t, StateClosed, cb.GetState(ctx))

	// Counter was reset: a single new failure does not trip.
	cb.RecordFailure(ctx)
	assert.Equal(t, StateClosed, cb.GetState(ctx))
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, _, clock := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		cb.RecordFailure(ctx)
	}
	clock.Advance(3 * time.Minute)
	require.Equal(t, StateHalfOpen, cb.GetState(ctx))

	cb.RecordFailure(ctx)
	assert.Equal(t, StateOpen, cb.GetState(ctx))

	// The cooldown restarts from the probe failure.
	clock.Advance(time.Minute)
	assert.Equal(t, StateOpen, cb.GetState(ctx))
	clock.Advance(time.Minute + time.Second)
	assert.Equal(t, StateHalfOpen, cb.GetState(ctx))
}

func TestBreaker_StoreFailureFailsOpen(t *testing.T) {
	cb, store, _ := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		cb.RecordFailure(ctx)
	}
	require.Equal(t, StateOpen, cb.GetState(ctx))

	store.mu.Lock()
	store.failAll = true
	store.mu.Unlock()

	// With the store down the breaker must allow traffic.
	assert.Equal(t, StateClosed, cb.GetState(ctx))
	assert.True(t, cb.CanAttempt(ctx))
	cb.RecordFailure(ctx) // must not panic or block
}

func TestBreakerState_String(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
}
