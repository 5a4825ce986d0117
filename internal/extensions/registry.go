// Package extensions tracks companion processes that announce themselves on
// the bus and keep their registration alive with heartbeats.
package extensions

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"cortex/internal/bus"
	"cortex/internal/logging"
)

const (
	// offlineAfter is how long an extension may go silent before it is
	// marked offline.
	offlineAfter = 90 * time.Second

	sweepInterval = 30 * time.Second
)

// Extension is one announced companion process.
type Extension struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Version        string    `json:"version,omitempty"`
	Description    string    `json:"description,omitempty"`
	MCPURL         string    `json:"mcp_url,omitempty"`
	Transport      string    `json:"transport,omitempty"`
	Tools          []string  `json:"tools,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
	Online         bool      `json:"online"`
	UptimeSeconds  int64     `json:"uptime_seconds,omitempty"`
	ActiveRequests int       `json:"active_requests,omitempty"`
	AnnouncedAt    time.Time `json:"announced_at"`
	LastSeen       time.Time `json:"last_seen"`
}

// Subscriber is the slice of the bus the registry needs.
type Subscriber interface {
	Subscribe(ctx context.Context, subject string, handler func(ctx context.Context, msg bus.Message)) (*bus.Subscription, error)
}

// Registry keeps the in-memory extension roster. Registrations arrive on
// extensions.announce, stay alive through per-extension heartbeats, and go
// offline when silent too long. The roster is not persisted: extensions
// re-announce on restart and a fresh brain starts with an empty map.
type Registry struct {
	subscriber Subscriber
	logger     logging.Logger

	mu      sync.RWMutex
	entries map[string]*Extension

	sub    *bus.Subscription
	cancel context.CancelFunc
}

func NewRegistry(subscriber Subscriber, logger logging.Logger) *Registry {
	return &Registry{
		subscriber: subscriber,
		logger:     logging.OrNop(logger),
		entries:    make(map[string]*Extension),
	}
}

// Start subscribes to the extension subjects and launches the offline
// sweeper.
func (r *Registry) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	sub, err := r.subscriber.Subscribe(runCtx, "extensions.*", r.handle)
	if err != nil {
		cancel()
		return err
	}
	r.sub = sub
	r.cancel = cancel
	go r.sweepLoop(runCtx)
	r.logger.Info("Extension registry started (offline after %s)", offlineAfter)
	return nil
}

// Close stops the subscription and the sweeper.
func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.sub != nil {
		r.sub.Close()
	}
}

func (r *Registry) handle(ctx context.Context, msg bus.Message) {
	switch {
	case msg.Subject == bus.SubjectExtensionAnnounce:
		r.handleAnnounce(msg.Data)
	case strings.HasSuffix(msg.Subject, ".heartbeat"):
		r.handleHeartbeat(msg.Data)
	}
}

func (r *Registry) handleAnnounce(data []byte) {
	var ann bus.ExtensionAnnounce
	if err := json.Unmarshal(data, &ann); err != nil {
		r.logger.Warn("Extension announce: bad payload: %v", err)
		return
	}
	if ann.ID == "" || ann.Name == "" {
		r.logger.Warn("Extension announce missing id or name, ignored")
		return
	}

	now := time.Now()
	r.mu.Lock()
	ext, known := r.entries[ann.ID]
	if !known {
		ext = &Extension{ID: ann.ID, AnnouncedAt: now}
		r.entries[ann.ID] = ext
	}
	wasOffline := known && !ext.Online
	ext.Name = ann.Name
	ext.Version = ann.Version
	ext.Description = ann.Description
	ext.MCPURL = ann.MCPURL
	ext.Transport = ann.Transport
	ext.Tools = ann.Tools
	ext.Tags = ann.Tags
	ext.Online = true
	ext.LastSeen = now
	r.mu.Unlock()

	switch {
	case !known:
		r.logger.Info("Extension %s announced (%s)", ann.Name, ann.ID)
	case wasOffline:
		r.logger.Info("Extension %s is back online", ann.Name)
	}
}

func (r *Registry) handleHeartbeat(data []byte) {
	var hb bus.Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		r.logger.Warn("Extension heartbeat: bad payload: %v", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ext, ok := r.entries[hb.ID]
	if !ok {
		// Heartbeats do not register; the extension must announce first.
		r.logger.Debug("Heartbeat from unannounced extension %s ignored", hb.ID)
		return
	}
	if !ext.Online {
		r.logger.Info("Extension %s is back online", ext.Name)
	}
	ext.Online = true
	ext.LastSeen = time.Now()
	ext.UptimeSeconds = hb.UptimeSeconds
	ext.ActiveRequests = hb.ActiveRequests
}

func (r *Registry) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

// sweep marks extensions offline once they have been silent past the
// threshold.
func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ext := range r.entries {
		if ext.Online && now.Sub(ext.LastSeen) > offlineAfter {
			ext.Online = false
			r.logger.Warn("Extension %s offline (last seen %s ago)", ext.Name, now.Sub(ext.LastSeen).Round(time.Second))
		}
	}
}

// Get returns one extension by id.
func (r *Registry) Get(id string) (Extension, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ext, ok := r.entries[id]
	if !ok {
		return Extension{}, false
	}
	return *ext, true
}

// List returns every known extension sorted by name, offline ones included.
func (r *Registry) List() []Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Extension, 0, len(r.entries))
	for _, ext := range r.entries {
		out = append(out, *ext)
	}
	sortByName(out)
	return out
}

// Online returns the extensions currently considered alive.
func (r *Registry) Online() []Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Extension, 0, len(r.entries))
	for _, ext := range r.entries {
		if ext.Online {
			out = append(out, *ext)
		}
	}
	sortByName(out)
	return out
}

// Search returns online extensions matching query against name,
// description, tags, and tool names. An empty query returns all of them.
func (r *Registry) Search(query string) []Extension {
	online := r.Online()
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return online
	}
	out := online[:0]
	for _, ext := range online {
		if matches(ext, query) {
			out = append(out, ext)
		}
	}
	return out
}

func matches(ext Extension, query string) bool {
	if strings.Contains(strings.ToLower(ext.Name), query) ||
		strings.Contains(strings.ToLower(ext.Description), query) {
		return true
	}
	for _, tag := range ext.Tags {
		if strings.Contains(strings.ToLower(tag), query) {
			return true
		}
	}
	for _, tool := range ext.Tools {
		if strings.Contains(strings.ToLower(tool), query) {
			return true
		}
	}
	return false
}

func sortByName(exts []Extension) {
	sort.Slice(exts, func(i, j int) bool {
		if exts[i].Name == exts[j].Name {
			return exts[i].ID < exts[j].ID
		}
		return exts[i].Name < exts[j].Name
	})
}
