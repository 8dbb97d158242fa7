// Package rag implements retrieval-augmented question answering for the
// portfolio corpus: embedding generation, the vector document store,
// conversation history, prompt assembly and the chat orchestrator.
package rag

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	openai "github.com/sashabaranov/go-openai"

	"folio/internal/config"
	folioerrors "folio/internal/shared/errors"
	"folio/internal/shared/logging"
)

// Embedder generates text embeddings. Document and query embeddings are
// cached separately since some models encode the two asymmetrically.
type Embedder interface {
	// EmbedDocument embeds text for storage.
	EmbedDocument(ctx context.Context, text string) ([]float32, error)

	// EmbedQuery embeds a search query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int
}

const (
	embedMaxAttempts = 6
	embedBackoffMin  = time.Second
	embedBackoffMax  = 60 * time.Second
)

// openaiEmbedder calls the OpenAI embeddings API with an LRU cache in
// front. Transient API failures are retried on a randomized exponential
// schedule before the error is surfaced as a tagged transient failure.
type openaiEmbedder struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
	cache      *lru.Cache[string, []float32]
	logger     logging.Logger

	// call and sleep are swapped out in tests.
	call  func(ctx context.Context, text string) ([]float32, error)
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEmbedder builds the production embedder from the provider and RAG
// configuration. The provider's BaseURL is honored so any OpenAI-compatible
// embeddings endpoint works.
func NewEmbedder(provider config.ProviderConfig, ragCfg config.RAGConfig, logger logging.Logger) (Embedder, error) {
	cacheSize := ragCfg.EmbeddingCacheSize
	if cacheSize <= 0 {
		cacheSize = 10000
	}
	cache, err := lru.New[string, []float32](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}

	clientCfg := openai.DefaultConfig(provider.APIKey)
	if provider.BaseURL != "" {
		clientCfg.BaseURL = provider.BaseURL
	}

	e := &openaiEmbedder{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      openai.EmbeddingModel(ragCfg.EmbeddingModel),
		dimensions: ragCfg.EmbeddingDimension,
		cache:      cache,
		logger:     logging.OrNop(logger),
		sleep:      sleepCtx,
	}
	e.call = e.callAPI
	return e, nil
}

func (e *openaiEmbedder) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	return e.embed(ctx, "doc", text)
}

func (e *openaiEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return e.embed(ctx, "query", text)
}

func (e *openaiEmbedder) Dimensions() int {
	return e.dimensions
}

func (e *openaiEmbedder) embed(ctx context.Context, task, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("empty text")
	}

	cacheKey := task + "\x00" + text
	if cached, ok := e.cache.Get(cacheKey); ok {
		return cached, nil
	}

	var lastErr error
	for attempt := 0; attempt < embedMaxAttempts; attempt++ {
		embedding, err := e.call(ctx, text)
		if err == nil {
			e.cache.Add(cacheKey, embedding)
			return embedding, nil
		}
		if folioerrors.IsCancellation(ctx, err) {
			return nil, err
		}
		// A dimension mismatch is a configuration fault; retrying cannot fix it.
		var pe *folioerrors.ProviderError
		if stderrors.As(err, &pe) && pe.Kind == folioerrors.KindFatal {
			return nil, err
		}
		lastErr = err

		if attempt < embedMaxAttempts-1 {
			delay := folioerrors.RandomExponentialBackoff(attempt, embedBackoffMin, embedBackoffMax)
			e.logger.Debug("embedding attempt %d/%d failed (%v), retrying in %v",
				attempt+1, embedMaxAttempts, err, delay)
			if err := e.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}

	return nil, folioerrors.NewTransient(lastErr, "embedding service unavailable")
}

func (e *openaiEmbedder) callAPI(ctx context.Context, text string) ([]float32, error) {
	req := openai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	}
	// Only models supporting output truncation accept the dimensions
	// parameter; for others the configured value must match the model's
	// native dimension, enforced below either way.
	if e.dimensions > 0 {
		req.Dimensions = e.dimensions
	}

	resp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embeddings response contained no data")
	}

	embedding := resp.Data[0].Embedding
	if e.dimensions > 0 && len(embedding) != e.dimensions {
		return nil, folioerrors.NewFatal(nil,
			fmt.Sprintf("embedding dimension mismatch: got %d, want %d", len(embedding), e.dimensions))
	}
	return embedding, nil
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
