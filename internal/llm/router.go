package llm

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"folio/internal/config"
	folioerrors "folio/internal/shared/errors"
	"folio/internal/shared/logging"
)

// Result is a routed generation outcome. Provider names the layer that
// produced the text; FallbackUsed is true whenever that layer was not the
// primary provider.
type Result struct {
	Text         string
	Provider     string
	FallbackUsed bool
	Attempts     int // total upstream calls made across all providers
}

// Observer receives per-request routing telemetry. The observability
// package implements it; a nil observer disables the hook.
type Observer interface {
	ObserveLLMRequest(provider string, latency time.Duration, success bool)
	ObserveFallback(from, to string)
}

// Router chains the configured providers behind per-provider circuit
// breakers and terminates in the static responder, which cannot fail.
// Generate therefore always returns a Result unless the caller cancels.
type Router struct {
	providers []Provider
	breakers  map[string]*CircuitBreaker
	retry     folioerrors.RetryConfig
	telemetry *Telemetry
	observer  Observer
	logger    logging.Logger

	// sleep is swapped out in tests so retry backoff does not wall-wait.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRouter builds a router over the given providers in priority order.
// One circuit breaker is created per provider against the shared store.
func NewRouter(providers []Provider, store BreakerStore, breakerCfg config.BreakerConfig, logger logging.Logger) *Router {
	logger = logging.OrNop(logger)
	breakers := make(map[string]*CircuitBreaker, len(providers))
	for _, p := range providers {
		breakers[p.Name()] = NewCircuitBreaker(store, p.Name(), breakerCfg, logger)
	}
	return &Router{
		providers: providers,
		breakers:  breakers,
		retry:     folioerrors.DefaultRetryConfig(),
		logger:    logger,
		sleep:     sleepCtx,
	}
}

// WithTelemetry attaches the best-effort redis telemetry sink.
func (r *Router) WithTelemetry(t *Telemetry) *Router {
	r.telemetry = t
	return r
}

// WithObserver attaches a metrics observer.
func (r *Router) WithObserver(o Observer) *Router {
	r.observer = o
	return r
}

// Breaker returns the breaker guarding the named provider, or nil.
func (r *Router) Breaker(provider string) *CircuitBreaker {
	return r.breakers[provider]
}

// BreakerStates reports the current circuit state per provider, for the
// readiness endpoint.
func (r *Router) BreakerStates(ctx context.Context) map[string]string {
	states := make(map[string]string, len(r.providers))
	for _, p := range r.providers {
		states[p.Name()] = r.breakers[p.Name()].GetState(ctx).String()
	}
	return states
}

// Generate routes prompt through the provider chain. Each provider gets up
// to MaxAttempts calls with exponential backoff on transient failures; rate
// limit, policy and fatal failures skip straight to the next layer. Every
// failed attempt counts against the provider's breaker. If all providers
// fail or are skipped, the static responder renders hits into a degraded
// answer, so the only error Generate returns is caller cancellation.
func (r *Router) Generate(ctx context.Context, prompt string, hits []Hit) (*Result, error) {
	totalAttempts := 0
	lastProvider := ""

	for i, provider := range r.providers {
		name := provider.Name()
		breaker := r.breakers[name]

		if !breaker.CanAttempt(ctx) {
			r.logger.Info("event=circuit_open_skip provider=%s", name)
			continue
		}

		text, attempts, err := r.tryProvider(ctx, provider, breaker, prompt)
		totalAttempts += attempts
		if err == nil {
			r.logger.Info("event=llm_success provider=%s attempts=%d", name, attempts)
			return &Result{
				Text:         text,
				Provider:     name,
				FallbackUsed: i > 0,
				Attempts:     totalAttempts,
			}, nil
		}
		if folioerrors.IsCancellation(ctx, err) {
			return nil, err
		}

		r.logger.Warn("event=llm_error provider=%s kind=%s attempts=%d error=%v",
			name, folioerrors.KindOf(err), attempts, err)

		next := StaticProviderName
		if i+1 < len(r.providers) {
			next = r.providers[i+1].Name()
		}
		r.logger.Info("event=llm_fallback from=%s to=%s", name, next)
		if r.observer != nil {
			r.observer.ObserveFallback(name, next)
		}
		lastProvider = name
	}

	if lastProvider == "" && len(r.providers) > 0 {
		r.logger.Warn("event=all_llm_failed reason=%q", "all circuits open")
	} else {
		r.logger.Warn("event=all_llm_failed providers=%d attempts=%d", len(r.providers), totalAttempts)
	}

	static := NewStaticProvider(hits)
	text, _ := static.Generate(ctx, prompt)
	return &Result{
		Text:         text,
		Provider:     StaticProviderName,
		FallbackUsed: true,
		Attempts:     totalAttempts,
	}, nil
}

// tryProvider runs the per-provider attempt loop. It returns the number of
// upstream calls made and the last error if all of them failed.
func (r *Router) tryProvider(ctx context.Context, provider Provider, breaker *CircuitBreaker, prompt string) (string, int, error) {
	var lastErr error

	for attempt := 0; attempt < r.retry.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", attempt, err
		}

		start := time.Now()
		text, err := provider.Generate(ctx, prompt)
		latency := time.Since(start)

		if err == nil {
			breaker.RecordSuccess(ctx)
			r.record(ctx, provider.Name(), latency, true)
			return text, attempt + 1, nil
		}
		if folioerrors.IsCancellation(ctx, err) {
			// Caller abandoned the request; not a provider fault, so the
			// breaker is left untouched.
			return "", attempt + 1, err
		}

		breaker.RecordFailure(ctx)
		r.record(ctx, provider.Name(), latency, false)
		lastErr = err

		if !folioerrors.IsTransient(err) {
			return "", attempt + 1, err
		}
		if attempt == r.retry.MaxAttempts-1 {
			break
		}

		delay := folioerrors.Backoff(attempt, r.retry)
		r.logger.Debug("provider %s attempt %d/%d failed, retrying in %v",
			provider.Name(), attempt+1, r.retry.MaxAttempts, delay)
		if err := r.sleep(ctx, delay); err != nil {
			return "", attempt + 1, err
		}
	}

	return "", r.retry.MaxAttempts, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (r *Router) record(ctx context.Context, provider string, latency time.Duration, success bool) {
	if r.telemetry != nil {
		r.telemetry.RecordRequest(ctx, provider, latency)
	}
	if r.observer != nil {
		r.observer.ObserveLLMRequest(provider, latency, success)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Telemetry records per-provider request counts and recent latencies in
// redis. Every write is best-effort: telemetry failures never affect the
// routed request.
type Telemetry struct {
	client    *redis.Client
	opTimeout time.Duration
	logger    logging.Logger
}

const telemetryLatencyKeep = 100

// NewTelemetry builds the redis telemetry sink.
func NewTelemetry(client *redis.Client, opTimeout time.Duration, logger logging.Logger) *Telemetry {
	if opTimeout <= 0 {
		opTimeout = time.Second
	}
	return &Telemetry{client: client, opTimeout: opTimeout, logger: logging.OrNop(logger)}
}

// RecordRequest increments llm:{provider}:requests and pushes the latency
// in milliseconds onto llm:{provider}:latency, trimmed to the most recent
// hundred samples.
func (t *Telemetry) RecordRequest(ctx context.Context, provider string, latency time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, t.opTimeout)
	defer cancel()

	pipe := t.client.TxPipeline()
	pipe.Incr(ctx, fmt.Sprintf("llm:%s:requests", provider))
	latencyKey := fmt.Sprintf("llm:%s:latency", provider)
	pipe.LPush(ctx, latencyKey, strconv.FormatInt(latency.Milliseconds(), 10))
	pipe.LTrim(ctx, latencyKey, 0, telemetryLatencyKeep-1)
	if _, err := pipe.Exec(ctx); err != nil {
		t.logger.Debug("telemetry write failed for %s: %v", provider, err)
	}
}
