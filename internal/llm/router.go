package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	cortexerrors "cortex/internal/errors"
	"cortex/internal/logging"
)

// Role names a model slot in the orchestrator.
type Role string

const (
	// RoleAgent is the main conversational loop model.
	RoleAgent Role = "agent"
	// RoleObserver is the small model used for memory extraction.
	RoleObserver Role = "observer"
	// RoleEmbedder is the embeddings model; resolved as a profile only,
	// the vector store builds its own embedding function from it.
	RoleEmbedder Role = "embedder"
)

// Profile binds a role to a concrete provider endpoint.
type Profile struct {
	Provider   string `json:"provider"` // "openai" or "anthropic"
	Model      string `json:"model"`
	APIKey     string `json:"-"`
	BaseURL    string `json:"base_url,omitempty"`
	Timeout    int    `json:"-"`
	MaxRetries int    `json:"-"`
}

// Router resolves roles to clients, with ordered fallback profiles.
type Router struct {
	mu       sync.RWMutex
	profiles map[Role][]Profile
	clients  map[string]Client
	retry    cortexerrors.RetryConfig
	usage    UsageFunc
	logger   logging.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithUsageCallback registers a usage callback applied to every built client.
func WithUsageCallback(fn UsageFunc) RouterOption {
	return func(r *Router) { r.usage = fn }
}

// WithRetryConfig overrides the retry policy applied to built clients.
func WithRetryConfig(cfg cortexerrors.RetryConfig) RouterOption {
	return func(r *Router) { r.retry = cfg }
}

// NewRouter returns an empty router. Register profiles before resolving.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		profiles: make(map[Role][]Profile),
		clients:  make(map[string]Client),
		retry:    cortexerrors.DefaultRetryConfig(),
		logger:   logging.NewComponentLogger("llm-router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register sets the profile chain for a role, primary first.
func (r *Router) Register(role Role, profiles ...Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[role] = append([]Profile(nil), profiles...)
}

// ProfileFor returns the primary profile for a role.
func (r *Router) ProfileFor(role Role) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chain := r.profiles[role]
	if len(chain) == 0 {
		return Profile{}, fmt.Errorf("no model profile registered for role %q", role)
	}
	return chain[0], nil
}

// Profiles returns every registered chain, primary first.
func (r *Router) Profiles() map[Role][]Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Role][]Profile, len(r.profiles))
	for role, chain := range r.profiles {
		out[role] = append([]Profile(nil), chain...)
	}
	return out
}

// ClientFor resolves a role to a client. With multiple profiles the result
// tries each in order until one succeeds.
func (r *Router) ClientFor(role Role) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	chain := r.profiles[role]
	if len(chain) == 0 {
		return nil, fmt.Errorf("no model profile registered for role %q", role)
	}

	clients := make([]Client, 0, len(chain))
	for _, profile := range chain {
		client, err := r.clientLocked(profile)
		if err != nil {
			return nil, err
		}
		clients = append(clients, client)
	}
	if len(clients) == 1 {
		return clients[0], nil
	}
	return &fallbackClient{clients: clients, logger: r.logger}, nil
}

func (r *Router) clientLocked(profile Profile) (Client, error) {
	key := profile.Provider + "|" + profile.Model + "|" + profile.BaseURL
	if client, ok := r.clients[key]; ok {
		return client, nil
	}

	base, err := newProviderClient(profile)
	if err != nil {
		return nil, err
	}
	if r.usage != nil {
		if tracking, ok := base.(UsageTrackingClient); ok {
			tracking.SetUsageCallback(r.usage)
		}
	}

	client := NewRetryClient(base, r.retry)
	r.clients[key] = client
	return client, nil
}

func newProviderClient(profile Profile) (Client, error) {
	cfg := Config{
		APIKey:     profile.APIKey,
		BaseURL:    profile.BaseURL,
		Timeout:    profile.Timeout,
		MaxRetries: profile.MaxRetries,
	}
	switch strings.ToLower(strings.TrimSpace(profile.Provider)) {
	case "anthropic":
		return NewAnthropicClient(profile.Model, cfg)
	case "", "openai", "openai-compatible", "deepseek", "openrouter":
		return NewOpenAIClient(profile.Model, cfg)
	default:
		return nil, fmt.Errorf("unknown model provider %q", profile.Provider)
	}
}

// fallbackClient tries each client in order. Streaming falls through only
// while nothing has been delivered to the callbacks yet.
type fallbackClient struct {
	clients []Client
	logger  logging.Logger
}

func (f *fallbackClient) Complete(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	for i, client := range f.clients {
		resp, err := client.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		lastErr = err
		if i < len(f.clients)-1 {
			f.logger.Warn("Model %s failed, falling back to %s: %v", client.Model(), f.clients[i+1].Model(), err)
		}
	}
	return nil, fmt.Errorf("all model profiles failed: %w", lastErr)
}

func (f *fallbackClient) StreamComplete(ctx context.Context, req Request, callbacks StreamCallbacks) (*Response, error) {
	delivered := false
	guarded := StreamCallbacks{
		OnContentDelta: func(delta ContentDelta) {
			if delta.Delta != "" {
				delivered = true
			}
			if callbacks.OnContentDelta != nil {
				callbacks.OnContentDelta(delta)
			}
		},
		OnThinkingDelta: func(text string) {
			delivered = true
			if callbacks.OnThinkingDelta != nil {
				callbacks.OnThinkingDelta(text)
			}
		},
	}

	var lastErr error
	for i, client := range f.clients {
		resp, err := client.StreamComplete(ctx, req, guarded)
		if err == nil {
			return resp, nil
		}
		if delivered || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		lastErr = err
		if i < len(f.clients)-1 {
			f.logger.Warn("Model %s failed before streaming, falling back to %s: %v", client.Model(), f.clients[i+1].Model(), err)
		}
	}
	return nil, fmt.Errorf("all model profiles failed: %w", lastErr)
}

func (f *fallbackClient) Model() string {
	if len(f.clients) == 0 {
		return ""
	}
	return f.clients[0].Model()
}
