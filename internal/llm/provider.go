// Package llm implements the resilient routing plane that sits between the
// chat orchestrator and the upstream language-model providers: provider
// adapters, redis-backed circuit breakers, and the router that chains them
// with a static degraded responder as the terminal sink.
package llm

import "context"

// Provider is an external text-generation backend accessed through an
// adapter. Generate returns non-empty text on success; failures carry one
// of the tagged kinds from internal/shared/errors.
type Provider interface {
	// Generate produces a completion for the prompt.
	Generate(ctx context.Context, prompt string) (string, error)

	// Name is a stable identifier used in breaker keys, telemetry and logs.
	Name() string
}

// Hit is a retrieved document handed to the static responder so a degraded
// answer can still surface relevant content.
type Hit struct {
	Content    string
	Source     string
	Similarity float32
}
