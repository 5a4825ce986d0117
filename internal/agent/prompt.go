package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"cortex/internal/config"
	"cortex/internal/logging"
	"cortex/internal/observability"
	"cortex/internal/store"
)

const (
	skillSeparator = "\n\n---\n\n"
	agentNameVar   = "{{AGENT_NAME}}"
)

// PromptConfig locates the personality layer.
type PromptConfig struct {
	OSDir     string
	AgentName string
	Version   string
}

// skillPromptSource is the slice of the skill service the builder reads.
type skillPromptSource interface {
	InstructionTexts(ctx context.Context) ([]string, error)
	List(ctx context.Context, enabledOnly bool) ([]store.SkillRow, error)
}

// changelogSource hands out undelivered version announcements.
type changelogSource interface {
	NextUndeliveredChangelog(ctx context.Context) (*store.ChangelogEntry, error)
	MarkChangelogDelivered(ctx context.Context, version string) error
}

// PromptBuilder assembles the system prompt. The static layer (personality
// files plus instruction skills) is cached until Invalidate; the dynamic
// layer (capabilities, version, pending changelog) is rebuilt per request.
type PromptBuilder struct {
	cfg       PromptConfig
	skills    skillPromptSource
	changelog changelogSource
	obs       *observability.Observability
	logger    logging.Logger

	mu     sync.Mutex
	static string
	valid  bool
}

func NewPromptBuilder(cfg PromptConfig, skills skillPromptSource, changelog changelogSource, obs *observability.Observability, logger logging.Logger) *PromptBuilder {
	if cfg.AgentName == "" {
		cfg.AgentName = config.DefaultAgentName
	}
	return &PromptBuilder{
		cfg:       cfg,
		skills:    skills,
		changelog: changelog,
		obs:       obs,
		logger:    logging.OrNop(logger),
	}
}

// Invalidate drops the cached static layer. Wire it to the skill service's
// mutation hook alongside the tool registry's Invalidate.
func (b *PromptBuilder) Invalidate() {
	b.mu.Lock()
	b.valid = false
	b.mu.Unlock()
}

// Build returns the full system prompt for one request.
func (b *PromptBuilder) Build(ctx context.Context) (string, error) {
	static, err := b.staticLayer(ctx)
	if err != nil {
		return "", err
	}
	dynamic := b.dynamicLayer(ctx)
	if dynamic == "" {
		return static, nil
	}
	return static + "\n\n" + dynamic, nil
}

func (b *PromptBuilder) staticLayer(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.valid {
		return b.static, nil
	}
	b.obs.Metrics().RecordPromptCacheMiss(ctx, "static")

	parts := make([]string, 0, 2)
	if personality := b.personality(); personality != "" {
		parts = append(parts, personality)
	}
	if b.skills != nil {
		texts, err := b.skills.InstructionTexts(ctx)
		if err != nil {
			return "", fmt.Errorf("agent: instruction skills: %w", err)
		}
		if len(texts) > 0 {
			parts = append(parts, strings.Join(texts, skillSeparator))
		}
	}

	b.static = strings.Join(parts, "\n\n")
	if b.static == "" {
		b.static = fmt.Sprintf("You are %s, a personal AI orchestrator. You manage jobs, memories, schedules and skills on behalf of your user.", b.cfg.AgentName)
	}
	b.valid = true
	return b.static, nil
}

// personality concatenates the markdown files of the OS directory in name
// order, substituting the agent name. A missing directory just means no
// personality layer.
func (b *PromptBuilder) personality() string {
	if b.cfg.OSDir == "" {
		return ""
	}
	entries, err := os.ReadDir(b.cfg.OSDir)
	if err != nil {
		b.logger.Warn("Personality directory unreadable: %v", err)
		return ""
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var parts []string
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(b.cfg.OSDir, name))
		if err != nil {
			b.logger.Warn("Personality file %s unreadable: %v", name, err)
			continue
		}
		text := strings.ReplaceAll(string(data), agentNameVar, b.cfg.AgentName)
		if text = strings.TrimSpace(text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

func (b *PromptBuilder) dynamicLayer(ctx context.Context) string {
	var s strings.Builder

	s.WriteString("## Current Capabilities\n")
	s.WriteString("Built-in tools cover job dispatch, memory, skills, the extension registry and task pods.\n")
	if b.skills != nil {
		rows, err := b.skills.List(ctx, true)
		if err != nil {
			b.logger.Warn("Capability summary: list skills: %v", err)
		}
		if len(rows) > 0 {
			s.WriteString("Enabled skills:\n")
			for _, row := range rows {
				fmt.Fprintf(&s, "- %s (%s)\n", row.Name, row.Tier)
			}
		}
	}

	fmt.Fprintf(&s, "\n## System Version\n%s\n", b.cfg.Version)

	if b.changelog != nil {
		entry, err := b.changelog.NextUndeliveredChangelog(ctx)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			b.logger.Warn("Changelog lookup failed: %v", err)
		default:
			// Marked before it is shown, so an entry is announced at most
			// once even if this request later fails.
			if err := b.changelog.MarkChangelogDelivered(ctx, entry.Version); err != nil {
				b.logger.Warn("Changelog %s: mark delivered: %v", entry.Version, err)
			} else {
				fmt.Fprintf(&s, "\n## System Update\nYou were updated to version %s: %s\nMention this to the user once, briefly.\n", entry.Version, entry.Summary)
			}
		}
	}

	return strings.TrimSpace(s.String())
}
