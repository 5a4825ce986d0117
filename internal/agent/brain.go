// Package agent runs the conversational tool-use loop: it assembles the
// system prompt, calls the model, executes requested tools through the
// unified registry, and persists the finished turn. Responses are delivered
// either synchronously or as a stream of Events.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"cortex/internal/llm"
	"cortex/internal/logging"
	"cortex/internal/memory"
	"cortex/internal/observability"
	"cortex/internal/security/redaction"
	"cortex/internal/store"
)

const (
	defaultMaxIterations = 10
	defaultHistoryLimit  = 50
	memoryRecallLimit    = 5
	summaryLimit         = 200
	titleLimit           = 60
	streamBuffer         = 16

	maxIterationsReply = "Reached maximum tool-use iterations"
)

// ModelSource resolves the agent-role model client, typically the llm.Router.
type ModelSource interface {
	ClientFor(role llm.Role) (llm.Client, error)
}

// ToolSurface is the slice of the tool registry the loop drives.
type ToolSurface interface {
	Definitions(ctx context.Context) []llm.ToolDefinition
	Execute(ctx context.Context, name string, args map[string]any) (content string, jobID string, err error)
}

// MemoryRecaller is the slice of the memory service the loop drives. Search
// feeds recalled memories into the prompt; RecordExchange advances the
// observer and reflector counters after a finished turn.
type MemoryRecaller interface {
	Search(ctx context.Context, query string, limit int) ([]memory.Result, error)
	RecordExchange(ctx context.Context, conversationID, userText, reply string) error
}

// Config tunes the loop.
type Config struct {
	MaxIterations int
	HistoryLimit  int
}

// Deps wires the loop's collaborators. Memory and Obs may be nil.
type Deps struct {
	Models  ModelSource
	Tools   ToolSurface
	Store   *store.Store
	Memory  MemoryRecaller
	Prompts *PromptBuilder
	Obs     *observability.Observability
}

// Brain is the orchestrator's conversational core.
type Brain struct {
	cfg     Config
	models  ModelSource
	tools   ToolSurface
	store   *store.Store
	memory  MemoryRecaller
	prompts *PromptBuilder
	obs     *observability.Observability
	logger  logging.Logger
}

func New(cfg Config, deps Deps, logger logging.Logger) *Brain {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	return &Brain{
		cfg:     cfg,
		models:  deps.Models,
		tools:   deps.Tools,
		store:   deps.Store,
		memory:  deps.Memory,
		prompts: deps.Prompts,
		obs:     deps.Obs,
		logger:  logging.OrNop(logger),
	}
}

// Request is one user turn.
type Request struct {
	ConversationID string
	Message        string
	Channel        string
}

// Reply is the finished turn.
type Reply struct {
	Text           string   `json:"text"`
	ConversationID string   `json:"conversation_id"`
	JobIDs         []string `json:"job_ids,omitempty"`
	ToolCallCount  int      `json:"tool_call_count"`
}

// Respond runs the loop to completion and returns the final reply.
func (b *Brain) Respond(ctx context.Context, req Request) (*Reply, error) {
	return b.run(ctx, req, func(Event) {})
}

// Stream runs the loop in the background and returns its event stream. The
// channel closes after the terminal done or error event.
func (b *Brain) Stream(ctx context.Context, req Request) <-chan Event {
	ch := make(chan Event, streamBuffer)
	go func() {
		defer close(ch)
		emit := func(ev Event) {
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		}
		reply, err := b.run(ctx, req, emit)
		if err != nil {
			emit(Event{Type: EventError, Message: redaction.SanitizeText(err.Error())})
			return
		}
		emit(Event{
			Type:           EventDone,
			ConversationID: reply.ConversationID,
			JobIDs:         reply.JobIDs,
			ToolCallCount:  reply.ToolCallCount,
		})
	}()
	return ch
}

func (b *Brain) run(ctx context.Context, req Request, emit func(Event)) (*Reply, error) {
	userText := strings.TrimSpace(req.Message)
	if userText == "" {
		return nil, fmt.Errorf("message is required")
	}

	conv, err := b.resolveConversation(ctx, req.ConversationID, userText)
	if err != nil {
		return nil, err
	}

	channel := req.Channel
	if channel == "" {
		channel = "api"
	}
	b.obs.Metrics().RecordChatStarted(ctx, channel)
	ctx, span := b.obs.StartSpan(ctx, "agent.turn", observability.ConversationAttrs(conv.ID)...)
	defer span.End()

	system, defs, memories, err := b.prepare(ctx, userText)
	if err != nil {
		return nil, err
	}
	if len(memories) > 0 {
		system += "\n\n" + renderMemories(memories)
	}

	history, err := b.store.ListMessages(ctx, conv.ID, b.cfg.HistoryLimit)
	if err != nil {
		return nil, err
	}
	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, m := range history {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: userText})

	client, err := b.models.ClientFor(llm.RoleAgent)
	if err != nil {
		return nil, err
	}

	var (
		jobIDs      []string
		seenJobs    = map[string]bool{}
		toolCalls   int
		lastContent string
	)

	for iteration := 0; iteration < b.cfg.MaxIterations; iteration++ {
		modelStart := time.Now()
		resp, err := client.StreamComplete(ctx, llm.Request{Messages: messages, Tools: defs}, llm.StreamCallbacks{
			OnContentDelta: func(d llm.ContentDelta) {
				if d.Delta != "" {
					emit(Event{Type: EventDelta, Text: d.Delta})
				}
			},
		})
		if err != nil {
			b.obs.Metrics().RecordLLMRequest(ctx, client.Model(), "error", time.Since(modelStart), 0, 0)
			b.logger.Error("Model call failed for %s: %v", conv.ID, err)
			return nil, err
		}
		b.obs.Metrics().RecordLLMRequest(ctx, client.Model(), "ok", time.Since(modelStart),
			resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

		if len(resp.ToolCalls) == 0 {
			return b.finish(ctx, conv.ID, userText, resp.Content, jobIDs, toolCalls)
		}
		lastContent = resp.Content

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			emit(Event{Type: EventThinking, Tool: call.Name, Input: call.Arguments})

			started := time.Now()
			content, jobID, err := b.tools.Execute(ctx, call.Name, call.Arguments)
			if err != nil {
				return nil, err
			}
			toolCalls++
			content = redaction.SanitizeText(content)

			status := "ok"
			if strings.HasPrefix(content, "Error:") {
				status = "error"
			}
			b.obs.Metrics().RecordToolExecution(ctx, call.Name, status, time.Since(started))

			if jobID != "" && !seenJobs[jobID] {
				seenJobs[jobID] = true
				jobIDs = append(jobIDs, jobID)
			}
			emit(Event{Type: EventToolResult, Tool: call.Name, Summary: summarize(content, summaryLimit)})
			messages = append(messages, llm.Message{Role: llm.RoleTool, Content: content, ToolCallID: call.ID})
		}
	}

	b.logger.Warn("Conversation %s hit the iteration limit after %d tool calls", conv.ID, toolCalls)
	reply := strings.TrimSpace(lastContent)
	if reply == "" {
		reply = maxIterationsReply
		emit(Event{Type: EventDelta, Text: reply})
	}
	return b.finish(ctx, conv.ID, userText, reply, jobIDs, toolCalls)
}

// prepare builds the prompt, recalls memories and resolves the tool list in
// parallel. A failed recall degrades to an empty set.
func (b *Brain) prepare(ctx context.Context, userText string) (string, []llm.ToolDefinition, []memory.Result, error) {
	var (
		system   string
		defs     []llm.ToolDefinition
		memories []memory.Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		system, err = b.prompts.Build(gctx)
		return err
	})
	g.Go(func() error {
		defs = b.tools.Definitions(gctx)
		return nil
	})
	g.Go(func() error {
		if b.memory == nil {
			return nil
		}
		results, err := b.memory.Search(gctx, userText, memoryRecallLimit)
		if err != nil {
			b.logger.Warn("Memory recall failed: %v", err)
			return nil
		}
		memories = results
		return nil
	})
	if err := g.Wait(); err != nil {
		return "", nil, nil, err
	}
	return system, defs, memories, nil
}

// resolveConversation returns the existing conversation or creates a fresh
// one. An unknown supplied id gets a new canonical id rather than an error,
// so stale clients keep working.
func (b *Brain) resolveConversation(ctx context.Context, id, userText string) (*store.Conversation, error) {
	if id != "" {
		conv, err := b.store.GetConversation(ctx, id)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	return b.store.CreateConversation(ctx, uuid.NewString(), summarize(userText, titleLimit))
}

func (b *Brain) finish(ctx context.Context, conversationID, userText, reply string, jobIDs []string, toolCalls int) (*Reply, error) {
	if _, err := b.store.AppendMessage(ctx, conversationID, store.RoleUser, userText); err != nil {
		b.logger.Error("Persist user turn for %s: %v", conversationID, err)
	} else if _, err := b.store.AppendMessage(ctx, conversationID, store.RoleAssistant, reply); err != nil {
		b.logger.Error("Persist assistant turn for %s: %v", conversationID, err)
	}
	if b.memory != nil {
		if err := b.memory.RecordExchange(ctx, conversationID, userText, reply); err != nil {
			b.logger.Warn("Memory pipeline for %s: %v", conversationID, err)
		}
	}
	return &Reply{
		Text:           reply,
		ConversationID: conversationID,
		JobIDs:         jobIDs,
		ToolCallCount:  toolCalls,
	}, nil
}

func renderMemories(results []memory.Result) string {
	var s strings.Builder
	s.WriteString("## Relevant Memories\n")
	for _, r := range results {
		fmt.Fprintf(&s, "- [%s] %s\n", r.Category, r.Content)
	}
	return strings.TrimSpace(s.String())
}

// summarize shortens text to a rune limit with an ellipsis.
func summarize(s string, limit int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return strings.TrimSpace(string(runes[:limit-1])) + "…"
}
