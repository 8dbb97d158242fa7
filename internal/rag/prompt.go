package rag

import (
	"fmt"
	"strings"

	tokenutil "folio/internal/shared/token"
)

const systemPersona = `You are a helpful assistant answering questions about a professional portfolio on behalf of its owner.
Answer only from the provided context. If the context does not contain the answer, say so honestly instead of guessing.
Keep answers concise, factual and in the third person.`

const noContextSentinel = "No relevant context was found for this question."

// PromptBuilder assembles the prompt handed to the routed provider from
// four blocks: persona, retrieved context, recent history and the question.
type PromptBuilder struct {
	historyTokenBudget int
}

// NewPromptBuilder creates a builder with the given history token budget.
func NewPromptBuilder(historyTokenBudget int) *PromptBuilder {
	if historyTokenBudget <= 0 {
		historyTokenBudget = 2048
	}
	return &PromptBuilder{historyTokenBudget: historyTokenBudget}
}

// Build renders the prompt. History is selected newest-first until the
// token budget is exhausted, then emitted in chronological order so the
// provider reads the conversation the way it happened.
func (b *PromptBuilder) Build(question string, hits []SearchHit, history []Turn) string {
	var sb strings.Builder

	sb.WriteString(systemPersona)
	sb.WriteString("\n\n## Context\n\n")
	sb.WriteString(b.renderContext(hits))
	sb.WriteString("\n\n## Conversation history\n\n")
	sb.WriteString(b.renderHistory(history))
	sb.WriteString("\n\n## Question\n\n")
	sb.WriteString(strings.TrimSpace(question))
	sb.WriteString("\n")

	return sb.String()
}

func (b *PromptBuilder) renderContext(hits []SearchHit) string {
	if len(hits) == 0 {
		return noContextSentinel
	}

	var sb strings.Builder
	for i, hit := range hits {
		if i > 0 {
			sb.WriteString("\n---\n")
		}
		source := hit.Source
		if source == "" {
			source = "unknown"
		}
		fmt.Fprintf(&sb, "[Document %d — source: %s — similarity: %.2f]\n", i+1, source, hit.Similarity)
		sb.WriteString(strings.TrimSpace(hit.Content))
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *PromptBuilder) renderHistory(history []Turn) string {
	if len(history) == 0 {
		return "(none)"
	}

	// Walk newest to oldest, keeping turns while they fit the budget. Each
	// turn is costed as rendered, framing included, so the budget bounds
	// what actually reaches the provider.
	budget := b.historyTokenBudget
	included := make([]Turn, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		turn := history[i]
		cost := tokenutil.CountTokens(renderTurn(turn))
		if cost > budget {
			break
		}
		budget -= cost
		included = append(included, turn)
	}
	if len(included) == 0 {
		return "(none)"
	}

	// Reverse back to chronological order.
	var sb strings.Builder
	for i := len(included) - 1; i >= 0; i-- {
		sb.WriteString(renderTurn(included[i]))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func renderTurn(turn Turn) string {
	return fmt.Sprintf("User: %s\nAssistant: %s\n\n",
		strings.TrimSpace(turn.UserMessage), strings.TrimSpace(turn.AssistantMessage))
}
