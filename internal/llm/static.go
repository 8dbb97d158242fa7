package llm

import (
	"context"
	"fmt"
	"strings"
)

// StaticProviderName is the distinguished name of the degraded responder.
const StaticProviderName = "static_fallback"

const maxStaticHits = 3

const staticHitLimit = 200 // characters of content shown per hit

// staticProvider renders retrieved documents without any model call. It is
// the terminal layer of the routing chain and cannot fail.
type staticProvider struct {
	hits []Hit
}

// NewStaticProvider builds the degraded responder around the hits retrieved
// for the current request. With no hits it answers with a generic apology.
func NewStaticProvider(hits []Hit) Provider {
	return &staticProvider{hits: hits}
}

func (s *staticProvider) Name() string {
	return StaticProviderName
}

func (s *staticProvider) Generate(_ context.Context, _ string) (string, error) {
	if len(s.hits) == 0 {
		return staticNoResultsMessage, nil
	}

	var b strings.Builder
	b.WriteString("**Relevant information found:**\n\n")
	b.WriteString("_(Note: generated without AI assistance due to temporary technical issues)_\n")

	limit := len(s.hits)
	if limit > maxStaticHits {
		limit = maxStaticHits
	}
	for i := 0; i < limit; i++ {
		hit := s.hits[i]
		content := strings.TrimSpace(hit.Content)
		if runes := []rune(content); len(runes) > staticHitLimit {
			content = string(runes[:staticHitLimit]) + "..."
		}
		fmt.Fprintf(&b, "\n**%d. Relevant excerpt** (similarity: %.0f%%)\n%s\n", i+1, hit.Similarity*100, content)
	}

	b.WriteString("\n_For a more elaborate answer, please try again in a few minutes._")
	return b.String(), nil
}

const staticNoResultsMessage = "**Assistant temporarily degraded**\n\n" +
	"I cannot process your question right now due to temporary technical issues. Please:\n\n" +
	"1. Try rephrasing your question\n" +
	"2. Try again in a few minutes\n" +
	"3. Reach out directly if it is urgent\n\n" +
	"_Apologies for the inconvenience. We are working to restore the service._"
