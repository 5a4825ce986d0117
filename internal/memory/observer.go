package memory

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"cortex/internal/llm"
	"cortex/internal/memory/tokencount"
	"cortex/internal/store"
)

const (
	// observerWindow is how many recent messages the observer reads.
	observerWindow = 12

	// maxCandidateRunes drops runaway extraction output.
	maxCandidateRunes = 1000

	// maxTranscriptMessageTokens truncates oversized messages in the window.
	maxTranscriptMessageTokens = 500
)

const observerSystemPrompt = "" +
	"You extract durable facts about the user from a conversation transcript.\n" +
	"Output ONLY a valid JSON array, no markdown, no commentary. Each element has\n" +
	"the shape {\"content\": \"...\", \"category\": \"...\"}.\n" +
	"Categories: gear, preferences, homelab, personal, work, general.\n" +
	"Keep only facts worth recalling weeks later: stable preferences, devices and\n" +
	"infrastructure, recurring projects, people, routines. Skip pleasantries,\n" +
	"one-off requests and anything the transcript merely repeats.\n" +
	"Output [] when nothing qualifies.\n"

type candidate struct {
	Content  string `json:"content"`
	Category string `json:"category"`
}

// runObserver extracts candidate memories from the recent window with the
// small model, stores the survivors and resets the token counter. A model
// failure leaves the counter alone so the next exchange retriggers the run.
func (s *Service) runObserver(ctx context.Context, conversationID string) {
	msgs, err := s.store.ListMessages(ctx, conversationID, observerWindow)
	if err != nil {
		s.logger.Error("Observer for %s: load window: %v", conversationID, err)
		return
	}
	if len(msgs) == 0 {
		s.resetObserved(ctx, conversationID)
		return
	}

	resp, err := s.observer.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: observerSystemPrompt},
			{Role: llm.RoleUser, Content: renderTranscript(msgs)},
		},
		Temperature: 0.1,
	})
	if err != nil {
		s.logger.Error("Observer for %s: model: %v", conversationID, err)
		return
	}

	candidates, ok := parseCandidates(resp.Content)
	if !ok {
		s.logger.Warn("Observer for %s: unparseable model output (%d chars), keeping nothing",
			conversationID, len(resp.Content))
	}
	stored := 0
	for _, c := range candidates {
		if _, err := s.Store(ctx, c.Content, c.Category); err != nil {
			s.logger.Warn("Observer for %s: store candidate: %v", conversationID, err)
			continue
		}
		stored++
	}
	s.logger.Info("Observer for %s stored %d of %d candidates", conversationID, stored, len(candidates))
	s.resetObserved(ctx, conversationID)
}

// runReflector only does the bookkeeping today. Summarising old turns into
// compacted memory needs more guardrails than it is worth; resetting the turn
// counter keeps the trigger from refiring every exchange.
func (s *Service) runReflector(ctx context.Context, conversationID string) {
	s.logger.Info("Reflection due for %s; compaction disabled, resetting turn counter", conversationID)
	now := time.Now().UTC()
	zero := 0
	err := s.patchState(ctx, conversationID, func(store.MemoryState) store.MemoryStatePatch {
		return store.MemoryStatePatch{
			TurnsSinceReflection: &zero,
			LastReflectorAt:      &now,
		}
	})
	if err != nil {
		s.logger.Error("Reflector for %s: reset: %v", conversationID, err)
	}
}

func (s *Service) resetObserved(ctx context.Context, conversationID string) {
	now := time.Now().UTC()
	zero := 0
	err := s.patchState(ctx, conversationID, func(store.MemoryState) store.MemoryStatePatch {
		return store.MemoryStatePatch{
			UnobservedTokenCount: &zero,
			LastObserverAt:       &now,
		}
	})
	if err != nil {
		s.logger.Error("Observer for %s: reset: %v", conversationID, err)
	}
}

func renderTranscript(msgs []store.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(tokencount.Truncate(m.Content, maxTranscriptMessageTokens))
		b.WriteByte('\n')
	}
	return b.String()
}

// parseCandidates pulls the JSON array out of the model reply and filters it.
// ok is false when no well-formed array was found.
func parseCandidates(reply string) (kept []candidate, ok bool) {
	start := strings.Index(reply, "[")
	end := strings.LastIndex(reply, "]")
	if start < 0 || end <= start {
		return nil, false
	}
	var raw []candidate
	if err := json.Unmarshal([]byte(reply[start:end+1]), &raw); err != nil {
		return nil, false
	}
	for _, c := range raw {
		c.Content = strings.TrimSpace(c.Content)
		if c.Content == "" || len([]rune(c.Content)) > maxCandidateRunes {
			continue
		}
		if c.Category == "" {
			c.Category = "general"
		}
		kept = append(kept, c)
	}
	return kept, true
}
