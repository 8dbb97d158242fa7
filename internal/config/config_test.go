package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Breaker.FailureWindow)
	assert.Equal(t, 2*time.Minute, cfg.Breaker.OpenDuration)
	assert.Equal(t, 768, cfg.RAG.EmbeddingDimension)
	assert.Equal(t, float32(0.5), cfg.RAG.SimilarityThreshold)
	assert.Equal(t, 2048, cfg.RAG.HistoryTokenBudget)
	assert.Equal(t, 5, cfg.Scraper.PoolSize)
	assert.False(t, cfg.Primary.Enabled())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("FOLIO_BREAKER_THRESHOLD", "3")
	t.Setenv("FOLIO_BREAKER_OPEN_DURATION", "90s")
	t.Setenv("FOLIO_EMBEDDING_DIMENSION", "1536")
	t.Setenv("FOLIO_PRIMARY_API_KEY", "sk-test")
	t.Setenv("FOLIO_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 90*time.Second, cfg.Breaker.OpenDuration)
	assert.Equal(t, 1536, cfg.RAG.EmbeddingDimension)
	assert.True(t, cfg.Primary.Enabled())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestValidate_ProductionRejectsWildcardCORS(t *testing.T) {
	t.Setenv("FOLIO_ENV", "production")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CORS")
}

func TestValidate_ProductionRejectsDebug(t *testing.T) {
	t.Setenv("FOLIO_ENV", "production")
	t.Setenv("FOLIO_ALLOWED_ORIGINS", "https://portfolio.example")
	t.Setenv("FOLIO_DEBUG", "true")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "debug")
}

func TestValidate_BadDimension(t *testing.T) {
	t.Setenv("FOLIO_EMBEDDING_DIMENSION", "0")

	_, err := Load()
	require.Error(t, err)
}
