// Command folio-server runs the portfolio question-answering service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"folio/internal/config"
	"folio/internal/llm"
	"folio/internal/observability"
	"folio/internal/rag"
	"folio/internal/scraper"
	"folio/internal/server"
	"folio/internal/shared/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "folio-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewComponentLogger("main")

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Warn("redis unreachable at startup: %v", err)
		}
		defer redisClient.Close()
	} else {
		logger.Warn("no redis configured; breaker state, conversations and scrape cache are process-local")
	}

	metrics, err := observability.NewMetricsCollector()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	embedder, err := rag.NewEmbedder(cfg.Primary, cfg.RAG, logging.NewComponentLogger("embedder"))
	if err != nil {
		return fmt.Errorf("init embedder: %w", err)
	}

	docStore, err := rag.NewDocumentStore(cfg.RAG, embedder)
	if err != nil {
		return fmt.Errorf("init document store: %w", err)
	}

	var conversations rag.ConversationStore
	if redisClient != nil {
		conversations = rag.NewRedisConversationStore(redisClient, cfg.RAG.HistoryTurns, cfg.RAG.ConversationTTL)
	} else {
		conversations = rag.NewMemoryConversationStore(cfg.RAG.HistoryTurns)
	}

	var providers []llm.Provider
	for _, providerCfg := range []config.ProviderConfig{cfg.Primary, cfg.Secondary} {
		if providerCfg.Enabled() {
			providers = append(providers, llm.NewOpenAIProvider(providerCfg))
		}
	}
	if len(providers) == 0 {
		logger.Warn("no LLM providers configured; every answer will use the static responder")
	}

	var breakerStore llm.BreakerStore
	if redisClient != nil {
		breakerStore = llm.NewRedisBreakerStore(redisClient, cfg.Breaker.OpTimeout)
	} else {
		breakerStore = llm.NewMemoryBreakerStore()
	}

	router := llm.NewRouter(providers, breakerStore, cfg.Breaker, logging.NewComponentLogger("llm")).
		WithObserver(metrics)
	if redisClient != nil {
		router = router.WithTelemetry(llm.NewTelemetry(redisClient, cfg.Breaker.OpTimeout, logging.NewComponentLogger("telemetry")))
	}

	chat := rag.NewChat(
		docStore,
		conversations,
		router,
		rag.NewPromptBuilder(cfg.RAG.HistoryTokenBudget),
		cfg.RAG.SimilarityThreshold,
		cfg.RAG.HistoryTurns,
		logging.NewComponentLogger("chat"),
	)

	pool := scraper.NewBrowserPool(cfg.Scraper, logging.NewComponentLogger("browser"))
	defer pool.Close()

	var scrapeCache scraper.ResultCache
	if redisClient != nil {
		scrapeCache = scraper.NewRedisResultCache(redisClient, logging.NewComponentLogger("scrape-cache"))
	} else {
		scrapeCache = scraper.NewMemoryResultCache()
	}
	scr := scraper.NewScraper(
		scraper.NewBrowserFetcher(pool, cfg.Scraper.PageTimeout),
		scrapeCache,
		cfg.Scraper,
		logging.NewComponentLogger("scraper"),
	)

	srv := server.New(cfg, chat, docStore, scr, router, redisClient, metrics, logging.NewComponentLogger("http"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}
