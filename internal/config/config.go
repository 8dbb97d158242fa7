// Package config loads the service configuration from the environment once
// at startup. The resulting Config value is passed explicitly to each
// component at construction; nothing in this package is process-global.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ProviderConfig enables one upstream LLM provider. A provider with an
// empty APIKey is disabled and excluded from the router's chain.
type ProviderConfig struct {
	Name    string
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration // per-attempt adapter timeout
}

// Enabled reports whether the provider has credentials.
func (p ProviderConfig) Enabled() bool {
	return strings.TrimSpace(p.APIKey) != ""
}

// BreakerConfig tunes the per-provider circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           // failures within the window to trip (T)
	FailureWindow    time.Duration // counting window (W)
	OpenDuration     time.Duration // cooldown before a half-open probe (D)
	StateTTL         time.Duration // TTL on persisted state and opened-at keys
	OpTimeout        time.Duration // per-operation store timeout; exceeding it fails open
}

// ScraperConfig tunes the browser pool and result cache.
type ScraperConfig struct {
	PoolSize       int
	PageTimeout    time.Duration
	AcquireTimeout time.Duration
	CacheTTL       time.Duration
	Headless       bool
	UserAgent      string
	ChromePath     string
}

// RAGConfig tunes retrieval and prompt assembly.
type RAGConfig struct {
	EmbeddingModel      string
	EmbeddingDimension  int
	EmbeddingCacheSize  int
	SimilarityThreshold float32
	HistoryTokenBudget  int
	HistoryTurns        int
	VectorPersistPath   string
	VectorCollection    string
	ConversationTTL     time.Duration // durable-store retention window
}

// Config is the full service configuration.
type Config struct {
	Environment    string
	Port           string
	Debug          bool
	LogLevel       string
	AllowedOrigins []string

	RedisURL string

	Primary   ProviderConfig
	Secondary ProviderConfig

	Breaker BreakerConfig
	Scraper ScraperConfig
	RAG     RAGConfig
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:    envString("FOLIO_ENV", "development"),
		Port:           envString("FOLIO_PORT", "8080"),
		Debug:          envBool("FOLIO_DEBUG", false),
		LogLevel:       envString("FOLIO_LOG_LEVEL", "info"),
		AllowedOrigins: splitCSV(envString("FOLIO_ALLOWED_ORIGINS", "*")),
		RedisURL:       envString("FOLIO_REDIS_URL", ""),
		Primary: ProviderConfig{
			Name:    envString("FOLIO_PRIMARY_NAME", "primary"),
			APIKey:  envString("FOLIO_PRIMARY_API_KEY", ""),
			BaseURL: envString("FOLIO_PRIMARY_BASE_URL", ""),
			Model:   envString("FOLIO_PRIMARY_MODEL", "gpt-4o-mini"),
			Timeout: envDuration("FOLIO_PRIMARY_TIMEOUT", 30*time.Second),
		},
		Secondary: ProviderConfig{
			Name:    envString("FOLIO_SECONDARY_NAME", "secondary"),
			APIKey:  envString("FOLIO_SECONDARY_API_KEY", ""),
			BaseURL: envString("FOLIO_SECONDARY_BASE_URL", "https://api.groq.com/openai/v1"),
			Model:   envString("FOLIO_SECONDARY_MODEL", "llama-3.1-8b-instant"),
			Timeout: envDuration("FOLIO_SECONDARY_TIMEOUT", 30*time.Second),
		},
		Breaker: BreakerConfig{
			FailureThreshold: envInt("FOLIO_BREAKER_THRESHOLD", 5),
			FailureWindow:    envDuration("FOLIO_BREAKER_WINDOW", 5*time.Minute),
			OpenDuration:     envDuration("FOLIO_BREAKER_OPEN_DURATION", 2*time.Minute),
			StateTTL:         envDuration("FOLIO_BREAKER_STATE_TTL", 10*time.Minute),
			OpTimeout:        envDuration("FOLIO_BREAKER_OP_TIMEOUT", time.Second),
		},
		Scraper: ScraperConfig{
			PoolSize:       envInt("FOLIO_BROWSER_POOL_SIZE", 5),
			PageTimeout:    envDuration("FOLIO_PAGE_TIMEOUT", 30*time.Second),
			AcquireTimeout: envDuration("FOLIO_POOL_ACQUIRE_TIMEOUT", 30*time.Second),
			CacheTTL:       envDuration("FOLIO_SCRAPE_CACHE_TTL", time.Hour),
			Headless:       envBool("FOLIO_BROWSER_HEADLESS", true),
			UserAgent:      envString("FOLIO_BROWSER_USER_AGENT", defaultUserAgent),
			ChromePath:     envString("FOLIO_CHROME_PATH", ""),
		},
		RAG: RAGConfig{
			EmbeddingModel:      envString("FOLIO_EMBEDDING_MODEL", "text-embedding-3-small"),
			EmbeddingDimension:  envInt("FOLIO_EMBEDDING_DIMENSION", 768),
			EmbeddingCacheSize:  envInt("FOLIO_EMBEDDING_CACHE_SIZE", 10000),
			SimilarityThreshold: envFloat32("FOLIO_SIMILARITY_THRESHOLD", 0.5),
			HistoryTokenBudget:  envInt("FOLIO_HISTORY_TOKEN_BUDGET", 2048),
			HistoryTurns:        envInt("FOLIO_HISTORY_TURNS", 10),
			VectorPersistPath:   envString("FOLIO_VECTOR_PERSIST_PATH", ""),
			VectorCollection:    envString("FOLIO_VECTOR_COLLECTION", "portfolio"),
			ConversationTTL:     envDuration("FOLIO_CONVERSATION_TTL", 30*24*time.Hour),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

// Validate rejects configurations that must not reach production.
func (c *Config) Validate() error {
	if c.IsProduction() {
		for _, origin := range c.AllowedOrigins {
			if origin == "*" {
				return fmt.Errorf("wildcard CORS origin is not allowed in production")
			}
		}
		if c.Debug {
			return fmt.Errorf("debug mode is not allowed in production")
		}
	}
	if c.RAG.EmbeddingDimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.RAG.EmbeddingDimension)
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure threshold must be positive, got %d", c.Breaker.FailureThreshold)
	}
	if c.Scraper.PoolSize <= 0 {
		return fmt.Errorf("browser pool size must be positive, got %d", c.Scraper.PoolSize)
	}
	return nil
}

// IsProduction reports whether the service runs with production hardening.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return fallback
}

func envFloat32(key string, fallback float32) float32 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 32); err == nil {
			return float32(f)
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return fallback
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
