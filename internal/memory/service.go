// Package memory is the long-term memory pipeline: a chromem vector index
// with a sqlite metadata mirror, an embeddings client, and the background
// observer/reflector accounting driven by conversation exchanges.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cortex/internal/config"
	"cortex/internal/llm"
	"cortex/internal/logging"
	"cortex/internal/memory/tokencount"
	"cortex/internal/observability"
	"cortex/internal/store"
)

const (
	// DefaultSearchLimit bounds search results when the caller passes none.
	DefaultSearchLimit = 5

	// minSearchScore filters out weak vector matches.
	minSearchScore = 0.3

	backgroundRunTimeout = 90 * time.Second
	stateRetries         = 5
)

// Result is one search hit.
type Result struct {
	ID       string  `json:"id"`
	Content  string  `json:"content"`
	Category string  `json:"category"`
	Score    float32 `json:"score"`
}

// ServiceConfig wires the memory service's collaborators.
type ServiceConfig struct {
	Store    *store.Store
	Vectors  VectorStore
	Embedder Embedder
	// Observer is the small model used for fact extraction. Nil disables
	// the observer; the token counter still accumulates.
	Observer           llm.Client
	ObserverThreshold  int
	ReflectorThreshold int
	Obs                *observability.Observability
}

// Service implements store/search/remove plus the per-exchange accounting
// that triggers the observer and reflector.
type Service struct {
	store    *store.Store
	vectors  VectorStore
	embedder Embedder
	observer llm.Client
	obs      *observability.Observability
	logger   logging.Logger

	observerThreshold  int
	reflectorThreshold int

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

func NewService(cfg ServiceConfig, logger logging.Logger) (*Service, error) {
	if cfg.Store == nil || cfg.Vectors == nil || cfg.Embedder == nil {
		return nil, fmt.Errorf("memory: store, vectors and embedder are required")
	}
	if cfg.ObserverThreshold <= 0 {
		cfg.ObserverThreshold = config.DefaultObserverThreshold
	}
	if cfg.ReflectorThreshold <= 0 {
		cfg.ReflectorThreshold = config.DefaultReflectorThreshold
	}
	return &Service{
		store:              cfg.Store,
		vectors:            cfg.Vectors,
		embedder:           cfg.Embedder,
		observer:           cfg.Observer,
		obs:                cfg.Obs,
		logger:             logging.OrNop(logger),
		observerThreshold:  cfg.ObserverThreshold,
		reflectorThreshold: cfg.ReflectorThreshold,
		inflight:           make(map[string]bool),
	}, nil
}

// Store embeds content, indexes it under a fresh id and mirrors the metadata
// row. An embedding failure rejects the whole operation.
func (s *Service) Store(ctx context.Context, content, category string) (*store.Memory, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("memory: empty content")
	}
	if category == "" {
		category = "general"
	}

	embedding, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("memory: embed: %w", err)
	}

	id := uuid.NewString()
	err = s.vectors.Add(ctx, Document{
		ID:        id,
		Content:   content,
		Embedding: embedding,
		Metadata: map[string]string{
			"category":   category,
			"created_at": time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("memory: index: %w", err)
	}

	row, err := s.store.InsertMemory(ctx, id, content, category)
	if err != nil {
		if derr := s.vectors.Delete(ctx, id); derr != nil {
			s.logger.Warn("Orphaned vector %s after failed insert: %v", id, derr)
		}
		return nil, err
	}
	s.obs.Metrics().RecordMemoryWrite(ctx, category)
	return row, nil
}

// Search returns up to limit hits ordered by descending similarity.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("memory: empty query")
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	hits, err := s.vectors.SearchByText(ctx, query, limit, minSearchScore)
	if err != nil {
		return nil, fmt.Errorf("memory: search: %w", err)
	}
	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		out = append(out, Result{
			ID:       h.Document.ID,
			Content:  h.Document.Content,
			Category: h.Document.Metadata["category"],
			Score:    h.Similarity,
		})
	}
	return out, nil
}

// Remove deletes the entry from the index and the metadata mirror. Returns
// store.ErrNotFound when no such row exists.
func (s *Service) Remove(ctx context.Context, id string) error {
	if err := s.vectors.Delete(ctx, id); err != nil {
		return fmt.Errorf("memory: deindex: %w", err)
	}
	return s.store.DeleteMemory(ctx, id)
}

// List returns metadata rows, newest first.
func (s *Service) List(ctx context.Context, category string, limit int) ([]store.Memory, error) {
	return s.store.ListMemories(ctx, category, limit)
}

// RecordExchange adds the exchange's token estimate and one turn to the
// conversation's counters, then fires the observer and/or reflector in the
// background when their thresholds are crossed. The caller never waits on
// those runs.
func (s *Service) RecordExchange(ctx context.Context, conversationID, userText, reply string) error {
	tokens := tokencount.Count(userText) + tokencount.Count(reply)

	var tokensAfter, turnsAfter int
	err := s.patchState(ctx, conversationID, func(st store.MemoryState) store.MemoryStatePatch {
		tokensAfter = st.UnobservedTokenCount + tokens
		turnsAfter = st.TurnsSinceReflection + 1
		return store.MemoryStatePatch{
			UnobservedTokenCount: &tokensAfter,
			TurnsSinceReflection: &turnsAfter,
		}
	})
	if err != nil {
		return fmt.Errorf("memory: record exchange: %w", err)
	}

	if tokensAfter >= s.observerThreshold {
		if s.observer == nil {
			s.logger.Debug("Observer threshold hit for %s but no observer model configured", conversationID)
		} else {
			s.spawn("observer:"+conversationID, func(ctx context.Context) {
				s.runObserver(ctx, conversationID)
			})
		}
	}
	if turnsAfter >= s.reflectorThreshold {
		s.spawn("reflector:"+conversationID, func(ctx context.Context) {
			s.runReflector(ctx, conversationID)
		})
	}
	return nil
}

// Close waits for in-flight background runs and releases the index.
func (s *Service) Close() error {
	s.wg.Wait()
	return s.vectors.Close()
}

// patchState retries the optimistic memory_state update until it wins the
// version race. build sees the freshly read state on every attempt.
func (s *Service) patchState(ctx context.Context, conversationID string, build func(store.MemoryState) store.MemoryStatePatch) error {
	for attempt := 0; attempt < stateRetries; attempt++ {
		state, err := s.store.GetMemoryState(ctx, conversationID)
		if err != nil {
			return err
		}
		ok, err := s.store.UpdateMemoryState(ctx, conversationID, build(*state), state.Version)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("state for %s kept changing", conversationID)
}

// spawn runs fn on a background context unless a run with the same key is
// already in flight.
func (s *Service) spawn(key string, fn func(ctx context.Context)) {
	s.mu.Lock()
	if s.inflight[key] {
		s.mu.Unlock()
		return
	}
	s.inflight[key] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, key)
			s.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundRunTimeout)
		defer cancel()
		fn(ctx)
	}()
}
