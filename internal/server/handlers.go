package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"folio/internal/rag"
	"folio/internal/scraper"
)

const (
	maxQuestionLength  = 1000
	maxContextItemsCap = 20
	contentPreviewLen  = 100
)

type ingestRequest struct {
	Content  string            `json:"content" binding:"required"`
	Source   string            `json:"source"`
	Metadata map[string]string `json:"metadata"`
}

type chatRequest struct {
	Question       string `json:"question" binding:"required"`
	ConversationID string `json:"conversation_id"`
	// Pointer so an absent field (defaulted) and an explicit zero
	// (rejected) are distinguishable.
	MaxContextItems *int `json:"max_context_items"`
}

type extractRequest struct {
	URL             string                      `json:"url" binding:"required"`
	ExtractionRules map[string]scraper.RuleSpec `json:"extraction_rules" binding:"required"`
	UseCache        *bool                       `json:"use_cache"`
}

type scrapeJobRequest struct {
	URL string `json:"url" binding:"required"`
}

func (s *Server) handleServiceInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "folio",
		"version": Version,
		"status":  "running",
		"endpoints": gin.H{
			"ingest":       "POST /ingest",
			"chat":         "POST /chat",
			"chat_welcome": "GET /chat/welcome",
			"delete":       "DELETE /embeddings/{id}",
			"extract":      "POST /extract",
			"job_posting":  "POST /scrape/job-posting",
			"health":       "GET /health",
			"readiness":    "GET /health/ready",
			"metrics":      "GET /metrics",
		},
	})
}

func (s *Server) handleIngest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}

	content := strings.TrimSpace(req.Content)
	if content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content must not be blank"})
		return
	}

	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	if source := strings.TrimSpace(req.Source); source != "" {
		metadata["source"] = source
	}

	id, err := s.store.Save(c.Request.Context(), rag.Document{
		Content:  content,
		Metadata: metadata,
	})
	if err != nil {
		s.logger.Error("ingest failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store document"})
		return
	}

	preview := content
	if runes := []rune(preview); len(runes) > contentPreviewLen {
		preview = string(runes[:contentPreviewLen]) + "..."
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":              id,
		"content_preview": preview,
		"metadata":        metadata,
	})
}

func (s *Server) handleDeleteEmbedding(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}

	if err := s.store.Delete(c.Request.Context(), id); err != nil {
		s.logger.Error("delete embedding %s failed: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete document"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "deleted": true})
}

func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question is required"})
		return
	}

	question := strings.TrimSpace(req.Question)
	if question == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question must not be blank"})
		return
	}
	if len(question) > maxQuestionLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question exceeds maximum length"})
		return
	}
	maxContextItems := 0
	if req.MaxContextItems != nil {
		if *req.MaxContextItems < 1 || *req.MaxContextItems > maxContextItemsCap {
			c.JSON(http.StatusBadRequest, gin.H{"error": "max_context_items must be between 1 and 20"})
			return
		}
		maxContextItems = *req.MaxContextItems
	}

	start := time.Now()
	resp, err := s.chat.Ask(c.Request.Context(), rag.ChatRequest{
		Question:        question,
		ConversationID:  req.ConversationID,
		MaxContextItems: maxContextItems,
	})
	if err != nil {
		if c.Request.Context().Err() != nil {
			// Client went away; nothing useful to write.
			c.Abort()
			return
		}
		s.logger.Error("chat failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to answer question"})
		return
	}

	s.metrics.RecordChat(resp.Provider, resp.FallbackUsed, time.Since(start))
	c.JSON(http.StatusOK, resp)
}

// handleWelcome accepts the conversation id from the query string (GET) or
// a JSON body (POST) so returning visitors get the returning greeting.
func (s *Server) handleWelcome(c *gin.Context) {
	conversationID := strings.TrimSpace(c.Query("conversation_id"))
	if conversationID == "" && c.Request.Method == http.MethodPost {
		var req struct {
			ConversationID string `json:"conversation_id"`
		}
		if err := c.ShouldBindJSON(&req); err == nil {
			conversationID = strings.TrimSpace(req.ConversationID)
		}
	}
	c.JSON(http.StatusOK, s.chat.Welcome(c.Request.Context(), conversationID))
}

func (s *Server) handleExtract(c *gin.Context) {
	var req extractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url and extraction_rules are required"})
		return
	}
	useCache := req.UseCache == nil || *req.UseCache
	s.runScrape(c, req.URL, scraper.RulesetFromSpecs(req.ExtractionRules), useCache)
}

func (s *Server) handleScrapeJobPosting(c *gin.Context) {
	var req scrapeJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}
	s.runScrape(c, req.URL, scraper.JobPostingRuleset(), true)
}

func (s *Server) runScrape(c *gin.Context, url string, rules scraper.Ruleset, useCache bool) {
	start := time.Now()
	result, err := s.scraper.Scrape(c.Request.Context(), url, rules, useCache)
	if err != nil {
		if c.Request.Context().Err() != nil {
			c.Abort()
			return
		}
		// Scrape only errors on invalid input.
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.metrics.RecordScrape(result.Success, result.Metadata.FromCache, time.Since(start))
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": Version,
		"uptime":  time.Since(s.startTime).String(),
	})
}

// handleReady reports per-dependency status. The service is ready when its
// hard dependencies respond; optional dependencies only degrade the report.
func (s *Server) handleReady(c *gin.Context) {
	ctx := c.Request.Context()
	deps := gin.H{}
	ready := true

	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			deps["redis"] = gin.H{"status": "down", "error": err.Error()}
			ready = false
		} else {
			deps["redis"] = gin.H{"status": "up"}
		}
	} else {
		deps["redis"] = gin.H{"status": "disabled"}
	}

	deps["vector_store"] = gin.H{
		"status":    "up",
		"documents": s.store.Count(),
	}

	deps["llm_providers"] = s.router.BreakerStates(ctx)

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "dependencies": deps})
}
