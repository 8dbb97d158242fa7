package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"folio/internal/config"
	folioerrors "folio/internal/shared/errors"
)

// openaiProvider speaks the OpenAI-compatible chat completions API. With a
// custom BaseURL the same adapter serves any compatible upstream (the
// secondary layer typically points at Groq's endpoint).
type openaiProvider struct {
	name    string
	model   string
	timeout time.Duration
	client  *openai.Client
}

// NewOpenAIProvider builds a provider adapter from its configuration.
func NewOpenAIProvider(cfg config.ProviderConfig) Provider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &openaiProvider{
		name:    cfg.Name,
		model:   cfg.Model,
		timeout: timeout,
		client:  openai.NewClientWithConfig(clientCfg),
	}
}

func (p *openaiProvider) Name() string {
	return p.name
}

func (p *openaiProvider) Generate(ctx context.Context, prompt string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		// Caller cancellation must stay distinguishable from the per-attempt
		// timeout, which is a transient provider fault.
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", classifyAPIError(err)
	}

	if len(resp.Choices) == 0 {
		return "", folioerrors.NewPolicy(nil, "provider returned no choices")
	}

	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return "", folioerrors.NewPolicy(nil, "provider filtered the response")
	}

	text := strings.TrimSpace(choice.Message.Content)
	if text == "" {
		return "", folioerrors.NewPolicy(nil, "provider returned an empty response")
	}

	return text, nil
}

// classifyAPIError maps go-openai errors onto the provider error taxonomy.
func classifyAPIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch folioerrors.ClassifyHTTPStatus(apiErr.HTTPStatusCode) {
		case folioerrors.KindRateLimit:
			return folioerrors.NewRateLimit(err, "provider rate limit reached")
		case folioerrors.KindTransient:
			return folioerrors.NewTransient(err, "provider server error")
		}
		if apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403 {
			return folioerrors.NewFatal(err, "provider rejected credentials")
		}
		if apiErr.HTTPStatusCode == 400 && strings.Contains(strings.ToLower(apiErr.Message), "content") {
			return folioerrors.NewPolicy(err, "provider refused the request")
		}
		return folioerrors.NewFatal(err, apiErr.Message)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode >= 500 {
		return folioerrors.NewTransient(err, "provider server error")
	}

	// Untagged SDK/network error; fall back to kind detection by message.
	switch folioerrors.KindOf(err) {
	case folioerrors.KindRateLimit:
		return folioerrors.NewRateLimit(err, "provider rate limit reached")
	case folioerrors.KindTransient:
		return folioerrors.NewTransient(err, "provider call failed")
	case folioerrors.KindPolicy:
		return folioerrors.NewPolicy(err, "provider refused the request")
	default:
		return folioerrors.NewFatal(err, "provider call failed")
	}
}
