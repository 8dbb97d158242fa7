package rag

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"folio/internal/llm"
	"folio/internal/shared/logging"
)

// ChatRequest is a question against the portfolio corpus.
type ChatRequest struct {
	Question        string
	ConversationID  string
	MaxContextItems int
}

// Source describes one document that informed the answer.
type Source struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Content    string            `json:"content"`
	Preview    string            `json:"preview,omitempty"`
	Similarity float32           `json:"similarity"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

const sourcePreviewLen = 200

// ChatResponse is the answered question.
type ChatResponse struct {
	Answer         string   `json:"answer"`
	ConversationID string   `json:"conversation_id"`
	Provider       string   `json:"provider"`
	FallbackUsed   bool     `json:"fallback_used"`
	Sources        []Source `json:"sources,omitempty"`
}

// WelcomeResponse greets a new visitor with suggested questions.
type WelcomeResponse struct {
	Message        string   `json:"message"`
	Suggestions    []string `json:"suggestions"`
	ConversationID string   `json:"conversation_id"`
}

const fallbackNotice = "\n\n_This response was generated by a backup system and may be less detailed than usual._"

// Chat orchestrates one question: retrieve context, assemble the prompt,
// route it through the provider chain and record the exchange.
type Chat struct {
	store         DocumentStore
	conversations ConversationStore
	router        *llm.Router
	prompts       *PromptBuilder
	threshold     float32
	historyTurns  int
	logger        logging.Logger
}

// NewChat wires the orchestrator.
func NewChat(store DocumentStore, conversations ConversationStore, router *llm.Router, prompts *PromptBuilder, threshold float32, historyTurns int, logger logging.Logger) *Chat {
	if threshold <= 0 {
		threshold = 0.5
	}
	if historyTurns <= 0 {
		historyTurns = defaultHistoryLimit
	}
	return &Chat{
		store:         store,
		conversations: conversations,
		router:        router,
		prompts:       prompts,
		threshold:     threshold,
		historyTurns:  historyTurns,
		logger:        logging.OrNop(logger),
	}
}

// Ask answers req. The routing chain terminates in a static responder, so
// the only errors Ask returns are validation faults, retrieval faults and
// caller cancellation.
func (c *Chat) Ask(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, fmt.Errorf("empty question")
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	topK := req.MaxContextItems
	if topK <= 0 {
		topK = 5
	}

	hits, err := c.store.FindSimilar(ctx, question, topK, c.threshold)
	if err != nil {
		return nil, fmt.Errorf("retrieve context: %w", err)
	}

	history, err := c.conversations.History(ctx, conversationID, c.historyTurns)
	if err != nil {
		// History is an enrichment; answer without it.
		c.logger.Warn("load history for %s failed: %v", conversationID, err)
		history = nil
	}

	prompt := c.prompts.Build(question, hits, history)

	result, err := c.router.Generate(ctx, prompt, toLLMHits(hits))
	if err != nil {
		return nil, err
	}

	answer := result.Text
	// The static responder carries its own degradation notice.
	if result.FallbackUsed && result.Provider != llm.StaticProviderName {
		answer += fallbackNotice
	}

	if err := c.conversations.AppendTurn(ctx, conversationID, Turn{
		UserMessage:      question,
		AssistantMessage: answer,
		Provider:         result.Provider,
		CreatedAt:        time.Now().UTC(),
	}); err != nil {
		// Persistence is best-effort; the visitor still gets the answer.
		c.logger.Warn("persist turn for %s failed: %v", conversationID, err)
	}

	return &ChatResponse{
		Answer:         answer,
		ConversationID: conversationID,
		Provider:       result.Provider,
		FallbackUsed:   result.FallbackUsed,
		Sources:        toSources(hits),
	}, nil
}

// Welcome returns a greeting without touching any provider, so it works
// even when every upstream is down. A known conversation with history gets
// the returning-visitor greeting.
func (c *Chat) Welcome(ctx context.Context, conversationID string) *WelcomeResponse {
	greetings := welcomeGreetings
	if conversationID != "" {
		if history, err := c.conversations.History(ctx, conversationID, 1); err == nil && len(history) > 0 {
			greetings = returningGreetings
		}
	} else {
		conversationID = uuid.NewString()
	}

	return &WelcomeResponse{
		Message:        greetings[rand.Intn(len(greetings))],
		Suggestions:    append([]string(nil), welcomeSuggestions...),
		ConversationID: conversationID,
	}
}

func toLLMHits(hits []SearchHit) []llm.Hit {
	out := make([]llm.Hit, len(hits))
	for i, h := range hits {
		out[i] = llm.Hit{Content: h.Content, Source: h.Source, Similarity: h.Similarity}
	}
	return out
}

func toSources(hits []SearchHit) []Source {
	if len(hits) == 0 {
		return nil
	}
	out := make([]Source, len(hits))
	for i, h := range hits {
		name := h.Source
		if name == "" {
			name = "document"
		}
		content := strings.TrimSpace(h.Content)
		preview := content
		if runes := []rune(preview); len(runes) > sourcePreviewLen {
			preview = string(runes[:sourcePreviewLen]) + "..."
		}
		out[i] = Source{
			ID:         h.ID,
			Name:       name,
			Content:    content,
			Preview:    preview,
			Similarity: h.Similarity,
			Metadata:   h.Metadata,
		}
	}
	return out
}

var welcomeGreetings = []string{
	"Hi! I can answer questions about this portfolio — experience, projects, skills and more.",
	"Welcome! Ask me anything about the work and background showcased here.",
	"Hello! I'm here to help you explore this portfolio. What would you like to know?",
}

var returningGreetings = []string{
	"Welcome back! Where were we — anything else you'd like to know?",
	"Good to see you again! Happy to keep exploring the portfolio with you.",
	"Hello again! Ask away whenever you're ready.",
}

var welcomeSuggestions = []string{
	"What projects are featured in this portfolio?",
	"What technologies does the owner work with?",
	"Tell me about their professional experience.",
	"What kind of roles are they looking for?",
}
