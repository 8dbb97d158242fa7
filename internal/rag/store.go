package rag

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"

	"folio/internal/config"
)

// Document is a portfolio text chunk to be stored.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]string
}

// SearchHit is a retrieved document with its cosine similarity to the query.
type SearchHit struct {
	ID         string
	Content    string
	Source     string
	Metadata   map[string]string
	Similarity float32
}

// DocumentStore persists portfolio documents and serves similarity search.
type DocumentStore interface {
	// Save embeds and stores doc, minting an ID when none is given, and
	// returns the stored ID.
	Save(ctx context.Context, doc Document) (string, error)

	// FindSimilar returns up to topK documents with similarity >= minSimilarity,
	// ordered by similarity descending with ties broken by ascending ID.
	FindSimilar(ctx context.Context, query string, topK int, minSimilarity float32) ([]SearchHit, error)

	// Delete removes a document by ID. Deleting an absent ID is a no-op.
	Delete(ctx context.Context, id string) error

	// Count returns the number of stored documents.
	Count() int
}

// chromemStore implements DocumentStore over an embedded chromem-go
// collection. Document and query embeddings are computed up front through
// the Embedder so the store never triggers implicit API calls.
type chromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	embedder   Embedder
}

// NewDocumentStore opens (or creates) the vector collection. With a persist
// path the collection survives restarts; without one it is memory-only.
func NewDocumentStore(cfg config.RAGConfig, embedder Embedder) (DocumentStore, error) {
	collectionName := cfg.VectorCollection
	if collectionName == "" {
		collectionName = "portfolio"
	}

	var db *chromem.DB
	var err error
	if cfg.VectorPersistPath != "" {
		persistFile := filepath.Join(cfg.VectorPersistPath, "chromem.gob")
		db, err = chromem.NewPersistentDB(persistFile, false)
		if err != nil {
			return nil, fmt.Errorf("create persistent DB: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	// chromem needs an embedding function for documents added without a
	// precomputed embedding; route it through the document task.
	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.EmbedDocument(ctx, text)
	}

	collection, err := db.GetOrCreateCollection(collectionName, nil, embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}

	return &chromemStore{db: db, collection: collection, embedder: embedder}, nil
}

func (s *chromemStore) Save(ctx context.Context, doc Document) (string, error) {
	if doc.Content == "" {
		return "", fmt.Errorf("empty document content")
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}

	embedding, err := s.embedder.EmbedDocument(ctx, doc.Content)
	if err != nil {
		return "", fmt.Errorf("embed document: %w", err)
	}
	if dims := s.embedder.Dimensions(); dims > 0 && len(embedding) != dims {
		return "", fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(embedding), dims)
	}

	err = s.collection.AddDocument(ctx, chromem.Document{
		ID:        doc.ID,
		Content:   doc.Content,
		Embedding: embedding,
		Metadata:  doc.Metadata,
	})
	if err != nil {
		return "", fmt.Errorf("add document %s: %w", doc.ID, err)
	}
	return doc.ID, nil
}

func (s *chromemStore) FindSimilar(ctx context.Context, query string, topK int, minSimilarity float32) ([]SearchHit, error) {
	if query == "" {
		return nil, fmt.Errorf("empty query")
	}
	if topK <= 0 {
		topK = 5
	}
	// chromem rejects nResults larger than the collection.
	if count := s.collection.Count(); topK > count {
		topK = count
	}
	if topK == 0 {
		return nil, nil
	}

	queryEmbedding, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	results, err := s.collection.QueryEmbedding(ctx, queryEmbedding, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}

	hits := make([]SearchHit, 0, len(results))
	for _, r := range results {
		if r.Similarity < minSimilarity {
			continue
		}
		hits = append(hits, SearchHit{
			ID:         r.ID,
			Content:    r.Content,
			Source:     r.Metadata["source"],
			Metadata:   r.Metadata,
			Similarity: r.Similarity,
		})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ID < hits[j].ID
	})

	return hits, nil
}

func (s *chromemStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("empty document id")
	}
	if _, err := s.collection.GetByID(ctx, id); err != nil {
		// Absent documents are already in the desired state.
		return nil
	}
	if err := s.collection.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	return nil
}

func (s *chromemStore) Count() int {
	return s.collection.Count()
}
