package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Turn is one completed question-answer exchange. A turn is only recorded
// once both sides exist, so readers never observe a half-written exchange.
type Turn struct {
	UserMessage      string    `json:"user_message"`
	AssistantMessage string    `json:"assistant_message"`
	Provider         string    `json:"provider,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// ConversationStore keeps per-conversation history.
type ConversationStore interface {
	// AppendTurn atomically records a completed exchange.
	AppendTurn(ctx context.Context, conversationID string, turn Turn) error

	// History returns up to limit most recent turns, oldest first.
	History(ctx context.Context, conversationID string, limit int) ([]Turn, error)
}

const defaultHistoryLimit = 10

// memoryConversationStore is the single-process store used in development
// and tests. Each conversation is bounded to maxTurns.
type memoryConversationStore struct {
	mu       sync.RWMutex
	turns    map[string][]Turn
	maxTurns int
}

// NewMemoryConversationStore creates an in-memory store keeping at most
// maxTurns turns per conversation.
func NewMemoryConversationStore(maxTurns int) ConversationStore {
	if maxTurns <= 0 {
		maxTurns = defaultHistoryLimit
	}
	return &memoryConversationStore{
		turns:    make(map[string][]Turn),
		maxTurns: maxTurns,
	}
}

func (s *memoryConversationStore) AppendTurn(_ context.Context, conversationID string, turn Turn) error {
	if conversationID == "" {
		return fmt.Errorf("empty conversation id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	turns := append(s.turns[conversationID], turn)
	if len(turns) > s.maxTurns {
		turns = turns[len(turns)-s.maxTurns:]
	}
	s.turns[conversationID] = turns
	return nil
}

func (s *memoryConversationStore) History(_ context.Context, conversationID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := s.turns[conversationID]
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out, nil
}

// redisConversationStore keeps history in redis lists so conversations
// survive restarts and are shared across replicas. Each turn is one RPUSH
// of the complete JSON exchange.
type redisConversationStore struct {
	client   *redis.Client
	maxTurns int
	ttl      time.Duration
}

// NewRedisConversationStore creates the durable store. A non-positive ttl
// keeps conversations indefinitely.
func NewRedisConversationStore(client *redis.Client, maxTurns int, ttl time.Duration) ConversationStore {
	if maxTurns <= 0 {
		maxTurns = defaultHistoryLimit
	}
	return &redisConversationStore{client: client, maxTurns: maxTurns, ttl: ttl}
}

func conversationKey(conversationID string) string {
	return "conversation:" + conversationID
}

func (s *redisConversationStore) AppendTurn(ctx context.Context, conversationID string, turn Turn) error {
	if conversationID == "" {
		return fmt.Errorf("empty conversation id")
	}

	payload, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}

	key := conversationKey(conversationID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.LTrim(ctx, key, int64(-s.maxTurns), -1)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

func (s *redisConversationStore) History(ctx context.Context, conversationID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	raw, err := s.client.LRange(ctx, conversationKey(conversationID), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	turns := make([]Turn, 0, len(raw))
	for _, item := range raw {
		var turn Turn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			// Skip unreadable entries rather than failing the chat.
			continue
		}
		turns = append(turns, turn)
	}
	return turns, nil
}
