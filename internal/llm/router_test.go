package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	folioerrors "folio/internal/shared/errors"
)

// scriptedProvider returns its responses in order, repeating the last one
// once the script is exhausted.
type scriptedProvider struct {
	name      string
	responses []scriptedResponse
	calls     int
}

type scriptedResponse struct {
	text string
	err  error
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Generate(ctx context.Context, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	idx := p.calls
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	p.calls++
	r := p.responses[idx]
	return r.text, r.err
}

func always(name, text string) *scriptedProvider {
	return &scriptedProvider{name: name, responses: []scriptedResponse{{text: text}}}
}

func alwaysFailing(name string, err error) *scriptedProvider {
	return &scriptedProvider{name: name, responses: []scriptedResponse{{err: err}}}
}

func newTestRouter(t *testing.T, providers ...Provider) (*Router, *fakeStore, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	store := newFakeStore(clock.Now)
	r := NewRouter(providers, store, testBreakerConfig(), nil)
	r.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	for _, b := range r.breakers {
		b.now = clock.Now
	}
	return r, store, clock
}

func TestRouter_PrimarySucceeds(t *testing.T) {
	primary := always("primary", "hello from primary")
	secondary := always("secondary", "hello from secondary")
	r, _, _ := newTestRouter(t, primary, secondary)

	res, err := r.Generate(context.Background(), "hi", nil)
	require.NoError(t, err)

	assert.Equal(t, "hello from primary", res.Text)
	assert.Equal(t, "primary", res.Provider)
	assert.False(t, res.FallbackUsed)
	assert.Equal(t, 1, res.Attempts)
	assert.Zero(t, secondary.calls)
}

func TestRouter_TransientRetriesThenFallsBack(t *testing.T) {
	transient := folioerrors.NewTransient(errors.New("upstream 503"), "provider server error")
	primary := alwaysFailing("primary", transient)
	secondary := always("secondary", "answer")
	r, store, _ := newTestRouter(t, primary, secondary)

	res, err := r.Generate(context.Background(), "hi", nil)
	require.NoError(t, err)

	assert.Equal(t, "answer", res.Text)
	assert.Equal(t, "secondary", res.Provider)
	assert.True(t, res.FallbackUsed)

	// Three transient attempts against the primary, one success on the
	// secondary. Each failed attempt counts against the breaker.
	assert.Equal(t, 3, primary.calls)
	assert.Equal(t, 1, secondary.calls)
	assert.Equal(t, 4, res.Attempts)

	failures, err := store.Get(context.Background(), "llm:primary:failures")
	require.NoError(t, err)
	assert.Equal(t, "3", failures)
}

func TestRouter_ProviderTimeoutFailsOver(t *testing.T) {
	// A per-attempt provider timeout surfaces as a transient error wrapping
	// context.DeadlineExceeded while the caller's context is still live. It
	// must be retried and failed over like any other transient fault.
	timeout := folioerrors.NewTransient(
		fmt.Errorf("Post \"https://api.example.com/v1/chat/completions\": %w", context.DeadlineExceeded),
		"provider timed out")
	primary := alwaysFailing("primary", timeout)
	secondary := always("secondary", "served by secondary")
	r, store, _ := newTestRouter(t, primary, secondary)

	res, err := r.Generate(context.Background(), "hi", nil)
	require.NoError(t, err)

	assert.Equal(t, "secondary", res.Provider)
	assert.Equal(t, "served by secondary", res.Text)
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, 3, primary.calls, "upstream deadline is a provider fault, not caller cancellation")

	failures, err := store.Get(context.Background(), "llm:primary:failures")
	require.NoError(t, err)
	assert.Equal(t, "3", failures)
}

func TestRouter_RateLimitSkipsRetries(t *testing.T) {
	primary := alwaysFailing("primary", folioerrors.NewRateLimit(errors.New("429"), "provider rate limit reached"))
	secondary := always("secondary", "answer")
	r, store, _ := newTestRouter(t, primary, secondary)

	res, err := r.Generate(context.Background(), "hi", nil)
	require.NoError(t, err)

	assert.Equal(t, "secondary", res.Provider)
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, 1, primary.calls, "rate limit must not be retried in place")

	failures, err := store.Get(context.Background(), "llm:primary:failures")
	require.NoError(t, err)
	assert.Equal(t, "1", failures)
}

func TestRouter_AllProvidersDownServesStatic(t *testing.T) {
	fatal := folioerrors.NewFatal(errors.New("bad key"), "provider rejected credentials")
	r, _, _ := newTestRouter(t,
		alwaysFailing("primary", fatal),
		alwaysFailing("secondary", fatal),
	)

	hits := []Hit{{Content: "Worked on distributed systems at Acme.", Source: "resume", Similarity: 0.81}}
	res, err := r.Generate(context.Background(), "what did they work on?", hits)
	require.NoError(t, err, "the static layer must never fail")

	assert.Equal(t, StaticProviderName, res.Provider)
	assert.True(t, res.FallbackUsed)
	assert.Contains(t, res.Text, "Relevant information found")
	assert.Contains(t, res.Text, "distributed systems")
	assert.Contains(t, res.Text, "81%")
}

func TestRouter_NoHitsStaticApology(t *testing.T) {
	fatal := folioerrors.NewFatal(errors.New("bad key"), "provider rejected credentials")
	r, _, _ := newTestRouter(t, alwaysFailing("primary", fatal))

	res, err := r.Generate(context.Background(), "hi", nil)
	require.NoError(t, err)

	assert.Equal(t, StaticProviderName, res.Provider)
	assert.Contains(t, res.Text, "temporary technical issues")
}

func TestRouter_OpenCircuitSkipsProvider(t *testing.T) {
	primary := always("primary", "should not be called")
	secondary := always("secondary", "served by secondary")
	r, _, _ := newTestRouter(t, primary, secondary)

	ctx := context.Background()
	breaker := r.Breaker("primary")
	for i := 0; i < 5; i++ {
		breaker.RecordFailure(ctx)
	}
	require.Equal(t, StateOpen, breaker.GetState(ctx))

	res, err := r.Generate(ctx, "hi", nil)
	require.NoError(t, err)

	assert.Equal(t, "secondary", res.Provider)
	assert.True(t, res.FallbackUsed)
	assert.Zero(t, primary.calls, "open circuit must short-circuit before dispatch")
}

func TestRouter_HalfOpenProbeRecovers(t *testing.T) {
	primary := always("primary", "recovered")
	r, _, clock := newTestRouter(t, primary)

	ctx := context.Background()
	breaker := r.Breaker("primary")
	for i := 0; i < 5; i++ {
		breaker.RecordFailure(ctx)
	}
	require.Equal(t, StateOpen, breaker.GetState(ctx))

	clock.Advance(3 * time.Minute)

	res, err := r.Generate(ctx, "hi", nil)
	require.NoError(t, err)

	assert.Equal(t, "primary", res.Provider)
	assert.False(t, res.FallbackUsed)
	assert.Equal(t, StateClosed, breaker.GetState(ctx), "successful probe must close the circuit")
}

func TestRouter_CancellationPropagatesWithoutBreakerUpdate(t *testing.T) {
	primary := always("primary", "never")
	r, store, _ := newTestRouter(t, primary)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Generate(ctx, "hi", nil)
	require.ErrorIs(t, err, context.Canceled)

	_, getErr := store.Get(context.Background(), "llm:primary:failures")
	assert.ErrorIs(t, getErr, ErrKeyNotFound, "cancellation must not count as a provider failure")
}

func TestRouter_BreakerStates(t *testing.T) {
	r, _, _ := newTestRouter(t, always("primary", "a"), always("secondary", "b"))

	states := r.BreakerStates(context.Background())
	assert.Equal(t, map[string]string{"primary": "CLOSED", "secondary": "CLOSED"}, states)
}
