package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	cortexerrors "cortex/internal/errors"
	"cortex/internal/httpclient"
	"cortex/internal/logging"
)

const embedBatchLimit = 100

// Embedder turns text into vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// EmbedderConfig configures the OpenAI-compatible embeddings client.
type EmbedderConfig struct {
	Model     string // default text-embedding-3-small
	APIKey    string
	BaseURL   string // default https://api.openai.com/v1
	CacheSize int    // LRU entries, default 10000
	Timeout   time.Duration
	Retry     *cortexerrors.RetryConfig
}

type openaiEmbedder struct {
	config     EmbedderConfig
	httpClient *http.Client
	cache      *lru.Cache[string, []float32]
	retry      cortexerrors.RetryConfig
	logger     logging.Logger
	dims       atomic.Int32
}

// NewEmbedder builds an embedder against an OpenAI-compatible /embeddings
// endpoint with an LRU cache in front of it.
func NewEmbedder(config EmbedderConfig, logger logging.Logger) (Embedder, error) {
	if config.Model == "" {
		config.Model = "text-embedding-3-small"
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.CacheSize == 0 {
		config.CacheSize = 10000
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	retry := cortexerrors.DefaultRetryConfig()
	if config.Retry != nil {
		retry = *config.Retry
	}

	cache, err := lru.New[string, []float32](config.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("embedder cache: %w", err)
	}

	logger = logging.OrNop(logger)
	e := &openaiEmbedder{
		config:     config,
		httpClient: httpclient.New(config.Timeout, logger),
		cache:      cache,
		retry:      retry,
		logger:     logger,
	}
	// Until the first response reports otherwise.
	e.dims.Store(1536)
	return e, nil
}

func (e *openaiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := e.cache.Get(text); ok {
		return cached, nil
	}
	embeddings, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

func (e *openaiEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("no texts provided")
	}
	if len(texts) > embedBatchLimit {
		return nil, fmt.Errorf("batch size %d exceeds limit %d", len(texts), embedBatchLimit)
	}

	results := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		if cached, ok := e.cache.Get(text); ok {
			results[i] = cached
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) == 0 {
		return results, nil
	}

	embeddings, err := cortexerrors.RetryWithResultAndLog(ctx, e.retry,
		func(ctx context.Context) ([][]float32, error) {
			return e.callAPI(ctx, missTexts)
		}, e.logger)
	if err != nil {
		return nil, fmt.Errorf("embed batch: %w", err)
	}

	for i, idx := range missIdx {
		e.cache.Add(texts[idx], embeddings[i])
		results[idx] = embeddings[i]
	}
	return results, nil
}

func (e *openaiEmbedder) Dimensions() int {
	return int(e.dims.Load())
}

func (e *openaiEmbedder) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	payload, err := json.Marshal(map[string]any{
		"model": e.config.Model,
		"input": texts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.BaseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.config.APIKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	body, err := httpclient.ReadBody(resp, 8<<20)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := fmt.Errorf("embeddings api status %d: %s", resp.StatusCode, truncate(string(body), 256))
		if cortexerrors.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, cortexerrors.NewTransientError(apiErr, "")
		}
		return nil, cortexerrors.NewPermanentError(apiErr, "")
	}

	var apiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	embeddings := make([][]float32, len(texts))
	for _, item := range apiResp.Data {
		if item.Index < 0 || item.Index >= len(embeddings) {
			return nil, fmt.Errorf("embedding index %d out of range", item.Index)
		}
		embeddings[item.Index] = item.Embedding
	}
	for i, emb := range embeddings {
		if len(emb) == 0 {
			return nil, fmt.Errorf("no embedding returned for input %d", i)
		}
	}
	e.dims.Store(int32(len(embeddings[0])))
	return embeddings, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
