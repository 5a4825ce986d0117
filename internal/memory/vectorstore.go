package memory

import (
	"context"
	"fmt"

	chromem "github.com/philippgille/chromem-go"
)

// Document is one vector store entry. Metadata carries category and
// created_at; the row mirror holds the same fields for REST listing.
type Document struct {
	ID        string
	Content   string
	Embedding []float32
	Metadata  map[string]string
}

// SearchResult pairs a document with its cosine similarity to the query.
type SearchResult struct {
	Document   Document
	Similarity float32
}

// VectorStore is the similarity index under the memory service.
type VectorStore interface {
	Add(ctx context.Context, docs ...Document) error
	SearchByText(ctx context.Context, query string, topK int, minSimilarity float32) ([]SearchResult, error)
	Delete(ctx context.Context, ids ...string) error
	Count() int
	Close() error
}

type chromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
}

// NewVectorStore opens a chromem collection persisted under path. An empty
// path keeps everything in memory, which the tests use.
func NewVectorStore(path, collection string, embedder Embedder) (VectorStore, error) {
	if collection == "" {
		collection = "memories"
	}

	var db *chromem.DB
	var err error
	if path != "" {
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("open vector store: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	}
	col, err := db.GetOrCreateCollection(collection, nil, embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", collection, err)
	}
	return &chromemStore{db: db, collection: col}, nil
}

func (s *chromemStore) Add(ctx context.Context, docs ...Document) error {
	for _, doc := range docs {
		err := s.collection.AddDocument(ctx, chromem.Document{
			ID:        doc.ID,
			Content:   doc.Content,
			Embedding: doc.Embedding,
			Metadata:  doc.Metadata,
		})
		if err != nil {
			return fmt.Errorf("add document %s: %w", doc.ID, err)
		}
	}
	return nil
}

func (s *chromemStore) SearchByText(ctx context.Context, query string, topK int, minSimilarity float32) ([]SearchResult, error) {
	if topK <= 0 {
		topK = 5
	}
	// chromem rejects nResults larger than the collection.
	count := s.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	results, err := s.collection.Query(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}

	var out []SearchResult
	for _, r := range results {
		if r.Similarity < minSimilarity {
			continue
		}
		out = append(out, SearchResult{
			Document: Document{
				ID:        r.ID,
				Content:   r.Content,
				Embedding: r.Embedding,
				Metadata:  r.Metadata,
			},
			Similarity: r.Similarity,
		})
	}
	return out, nil
}

func (s *chromemStore) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.collection.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("delete documents: %w", err)
	}
	return nil
}

func (s *chromemStore) Count() int {
	return s.collection.Count()
}

// Close is a no-op; chromem persists on every mutation.
func (s *chromemStore) Close() error {
	return nil
}
