package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cortex/internal/logging"
	"cortex/internal/skills"
	"cortex/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "cortex.db"), logging.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func writePersonality(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestPromptStaticLayer(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writePersonality(t, dir, "01-identity.md", "You are {{AGENT_NAME}}, keeper of the house.")
	writePersonality(t, dir, "02-voice.md", "Speak plainly.")
	writePersonality(t, dir, "notes.txt", "not a prompt file")

	st := newTestStore(t)
	svc := skills.NewService(st, logging.Nop())
	if _, err := svc.Create(ctx, skills.ActorSystem, store.SkillRow{
		ID: "brief", Name: "morning-brief", Tier: store.TierInstruction,
		Enabled: true, InstructionContent: "Every morning, summarise the overnight jobs.",
	}); err != nil {
		t.Fatalf("create skill: %v", err)
	}
	if _, err := svc.Create(ctx, skills.ActorSystem, store.SkillRow{
		ID: "thermo", Name: "thermo", Tier: store.TierStdio,
		Enabled: true, StdioCommand: "thermo-mcp",
	}); err != nil {
		t.Fatalf("create skill: %v", err)
	}

	b := NewPromptBuilder(PromptConfig{OSDir: dir, AgentName: "Friday", Version: "1.4.0"}, svc, st, nil, logging.Nop())
	prompt, err := b.Build(ctx)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if !strings.Contains(prompt, "You are Friday, keeper of the house.") {
		t.Fatalf("agent name not substituted:\n%s", prompt)
	}
	if strings.Contains(prompt, "{{AGENT_NAME}}") {
		t.Fatal("placeholder survived substitution")
	}
	if strings.Index(prompt, "keeper of the house") > strings.Index(prompt, "Speak plainly.") {
		t.Fatal("personality files out of order")
	}
	if !strings.Contains(prompt, "summarise the overnight jobs") {
		t.Fatalf("instruction skill missing:\n%s", prompt)
	}
	if strings.Contains(prompt, "not a prompt file") {
		t.Fatal("non-markdown file leaked into the prompt")
	}
	if !strings.Contains(prompt, "- thermo (stdio)") {
		t.Fatalf("capabilities missing stdio skill:\n%s", prompt)
	}
	if !strings.Contains(prompt, "## System Version\n1.4.0") {
		t.Fatalf("version section missing:\n%s", prompt)
	}
}

func TestPromptStaticLayerCachedUntilInvalidate(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writePersonality(t, dir, "identity.md", "First edition.")

	b := NewPromptBuilder(PromptConfig{OSDir: dir, Version: "1.0.0"}, nil, nil, nil, logging.Nop())
	first, err := b.Build(ctx)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(first, "First edition.") {
		t.Fatalf("prompt = %q", first)
	}

	writePersonality(t, dir, "identity.md", "Second edition.")
	cached, err := b.Build(ctx)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if strings.Contains(cached, "Second edition.") {
		t.Fatal("static layer rebuilt without invalidation")
	}

	b.Invalidate()
	rebuilt, err := b.Build(ctx)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(rebuilt, "Second edition.") {
		t.Fatalf("invalidate did not refresh the static layer:\n%s", rebuilt)
	}
}

func TestPromptFallbackIdentity(t *testing.T) {
	b := NewPromptBuilder(PromptConfig{Version: "0.1.0"}, nil, nil, nil, logging.Nop())
	prompt, err := b.Build(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(prompt, "You are Cortex, a personal AI orchestrator.") {
		t.Fatalf("fallback identity missing:\n%s", prompt)
	}
}

func TestPromptDeliversChangelogOnce(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	if err := st.UpsertChangelog(ctx, "1.5.0", "Schedules may now target task pods."); err != nil {
		t.Fatalf("upsert changelog: %v", err)
	}

	b := NewPromptBuilder(PromptConfig{Version: "1.5.0"}, nil, st, nil, logging.Nop())
	first, err := b.Build(ctx)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(first, "You were updated to version 1.5.0") {
		t.Fatalf("changelog not announced:\n%s", first)
	}

	second, err := b.Build(ctx)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if strings.Contains(second, "You were updated to version 1.5.0") {
		t.Fatal("changelog announced twice")
	}
}
