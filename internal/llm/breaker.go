package llm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"folio/internal/config"
	"folio/internal/shared/logging"
)

// BreakerState is the circuit state for one provider.
type BreakerState int

const (
	// StateClosed allows requests.
	StateClosed BreakerState = iota
	// StateOpen rejects requests until the cooldown elapses.
	StateOpen
	// StateHalfOpen allows a probe request.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

func parseBreakerState(s string) (BreakerState, bool) {
	switch s {
	case "CLOSED":
		return StateClosed, true
	case "OPEN":
		return StateOpen, true
	case "HALF_OPEN":
		return StateHalfOpen, true
	default:
		return StateClosed, false
	}
}

// ErrKeyNotFound is returned by BreakerStore.Get for absent keys.
var ErrKeyNotFound = errors.New("breaker store: key not found")

// BreakerStore is the narrow key-value port the breaker needs. The
// production implementation is redis; tests substitute an in-memory fake.
// All operations are best-effort: errors make the breaker fail open.
type BreakerStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Incr atomically increments key and refreshes its TTL.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Del(ctx context.Context, keys ...string) error
}

// RedisBreakerStore backs the breakers with a shared redis instance so
// breaker state is visible across workers.
type RedisBreakerStore struct {
	client    *redis.Client
	opTimeout time.Duration
}

// NewRedisBreakerStore wraps client with the per-operation timeout from
// the breaker configuration.
func NewRedisBreakerStore(client *redis.Client, opTimeout time.Duration) *RedisBreakerStore {
	if opTimeout <= 0 {
		opTimeout = time.Second
	}
	return &RedisBreakerStore{client: client, opTimeout: opTimeout}
}

func (s *RedisBreakerStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *RedisBreakerStore) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrKeyNotFound
	}
	return val, err
}

func (s *RedisBreakerStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisBreakerStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (s *RedisBreakerStore) Del(ctx context.Context, keys ...string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Del(ctx, keys...).Err()
}

// MemoryBreakerStore is a single-process BreakerStore used when no redis
// is configured. Breaker state is then local to the process.
type MemoryBreakerStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryBreakerStore creates an in-memory store.
func NewMemoryBreakerStore() *MemoryBreakerStore {
	return &MemoryBreakerStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryBreakerStore) get(key string) (memoryEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.expiresAt.IsZero() && s.now().After(e.expiresAt) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (s *MemoryBreakerStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.get(key)
	if !ok {
		return "", ErrKeyNotFound
	}
	return e.value, nil
}

func (s *MemoryBreakerStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = s.now().Add(ttl)
	}
	s.entries[key] = memoryEntry{value: value, expiresAt: exp}
	return nil
}

func (s *MemoryBreakerStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	if e, ok := s.get(key); ok {
		n, _ = strconv.ParseInt(e.value, 10, 64)
	}
	n++
	var exp time.Time
	if ttl > 0 {
		exp = s.now().Add(ttl)
	}
	s.entries[key] = memoryEntry{value: strconv.FormatInt(n, 10), expiresAt: exp}
	return n, nil
}

func (s *MemoryBreakerStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.entries, k)
	}
	return nil
}

// CircuitBreaker tracks one provider's health in the shared store.
//
// Keys:
//
//	llm:{provider}:failures      failure counter, TTL = failure window
//	llm:{provider}:circuit_state current state, TTL = state TTL
//	llm:{provider}:opened_at     unix seconds when the circuit opened
//
// Every store failure makes the breaker report CLOSED and allow the
// request: the router must stay available when the substrate is down.
type CircuitBreaker struct {
	store    BreakerStore
	provider string
	cfg      config.BreakerConfig
	logger   logging.Logger
	now      func() time.Time

	failureKey string
	stateKey   string
	openedKey  string
}

// NewCircuitBreaker creates a breaker for the named provider.
func NewCircuitBreaker(store BreakerStore, provider string, cfg config.BreakerConfig, logger logging.Logger) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 5 * time.Minute
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 2 * time.Minute
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 10 * time.Minute
	}
	return &CircuitBreaker{
		store:      store,
		provider:   provider,
		cfg:        cfg,
		logger:     logging.OrNop(logger),
		now:        time.Now,
		failureKey: fmt.Sprintf("llm:%s:failures", provider),
		stateKey:   fmt.Sprintf("llm:%s:circuit_state", provider),
		openedKey:  fmt.Sprintf("llm:%s:opened_at", provider),
	}
}

// Provider returns the provider name this breaker guards.
func (cb *CircuitBreaker) Provider() string {
	return cb.provider
}

// GetState reads the current state, lazily transitioning OPEN to HALF_OPEN
// once the cooldown has elapsed.
func (cb *CircuitBreaker) GetState(ctx context.Context) BreakerState {
	raw, err := cb.store.Get(ctx, cb.stateKey)
	if errors.Is(err, ErrKeyNotFound) {
		return StateClosed
	}
	if err != nil {
		cb.logger.Warn("breaker store unavailable for %s, failing open: %v", cb.provider, err)
		return StateClosed
	}

	state, ok := parseBreakerState(raw)
	if !ok {
		return StateClosed
	}

	if state == StateOpen {
		openedRaw, err := cb.store.Get(ctx, cb.openedKey)
		if err == nil {
			if openedAt, parseErr := strconv.ParseFloat(openedRaw, 64); parseErr == nil {
				opened := time.Unix(0, int64(openedAt*float64(time.Second)))
				if cb.now().Sub(opened) >= cb.cfg.OpenDuration {
					cb.setState(ctx, StateHalfOpen)
					return StateHalfOpen
				}
			}
		}
	}

	return state
}

// CanAttempt reports whether the provider may be dispatched to.
func (cb *CircuitBreaker) CanAttempt(ctx context.Context) bool {
	state := cb.GetState(ctx)
	return state == StateClosed || state == StateHalfOpen
}

// RecordSuccess resets the failure counter and closes a half-open circuit.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context) {
	state := cb.GetState(ctx)

	if err := cb.store.Del(ctx, cb.failureKey); err != nil {
		cb.logger.Warn("failed to reset failures for %s: %v", cb.provider, err)
	}

	if state == StateHalfOpen {
		cb.setState(ctx, StateClosed)
		cb.logger.Info("event=circuit_closed provider=%s message=%q", cb.provider, "provider recovered")
	}
}

// RecordFailure increments the failure counter and trips the circuit when
// the threshold is reached within the window. A failure while HALF_OPEN
// reopens immediately with a fresh opened-at.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context) {
	if cb.GetState(ctx) == StateHalfOpen {
		cb.setState(ctx, StateOpen)
		cb.logger.Warn("event=circuit_opened provider=%s message=%q", cb.provider, "half-open probe failed")
		return
	}

	failures, err := cb.store.Incr(ctx, cb.failureKey, cb.cfg.FailureWindow)
	if err != nil {
		cb.logger.Warn("failed to record failure for %s: %v", cb.provider, err)
		return
	}

	if failures >= int64(cb.cfg.FailureThreshold) {
		cb.setState(ctx, StateOpen)
		cb.logger.Warn("event=circuit_opened provider=%s failures=%d", cb.provider, failures)
	}
}

func (cb *CircuitBreaker) setState(ctx context.Context, state BreakerState) {
	if err := cb.store.Set(ctx, cb.stateKey, state.String(), cb.cfg.StateTTL); err != nil {
		cb.logger.Warn("failed to set circuit state for %s: %v", cb.provider, err)
		return
	}
	if state == StateOpen {
		openedAt := strconv.FormatFloat(float64(cb.now().UnixNano())/float64(time.Second), 'f', 3, 64)
		if err := cb.store.Set(ctx, cb.openedKey, openedAt, cb.cfg.StateTTL); err != nil {
			cb.logger.Warn("failed to set opened-at for %s: %v", cb.provider, err)
		}
	}
}
