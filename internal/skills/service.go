// Package skills manages the skill catalogue: instruction skills that inject
// prompt text and MCP-backed skills that bind external tool servers. Rows live
// in the skills table; mutations fire registered hooks so prompt and tool
// caches rebuild on the next use.
package skills

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"cortex/internal/logging"
	"cortex/internal/store"
)

// Actor identifies who is performing a mutation. The agent tool path is
// restricted; the system path (HTTP surface, imports) is not.
type Actor string

const (
	ActorSystem Actor = "system"
	ActorAgent  Actor = "agent"
)

// ErrForbidden marks mutations the actor is not allowed to make.
var ErrForbidden = errors.New("forbidden")

// ErrInvalid marks rows that fail validation.
var ErrInvalid = errors.New("invalid skill")

// Service owns skill CRUD and the mutation hooks that keep dependent caches
// fresh.
type Service struct {
	store  *store.Store
	logger logging.Logger

	mu    sync.Mutex
	hooks []func()
}

func NewService(st *store.Store, logger logging.Logger) *Service {
	return &Service{store: st, logger: logging.OrNop(logger)}
}

// OnMutate registers a hook fired after every successful create, update,
// enable/disable or delete.
func (s *Service) OnMutate(hook func()) {
	s.mu.Lock()
	s.hooks = append(s.hooks, hook)
	s.mu.Unlock()
}

func (s *Service) notify() {
	s.mu.Lock()
	hooks := append([]func(){}, s.hooks...)
	s.mu.Unlock()
	for _, hook := range hooks {
		hook()
	}
}

// Create validates and persists a new skill. Agent-created rows are always
// agent-owned.
func (s *Service) Create(ctx context.Context, actor Actor, row store.SkillRow) (*store.SkillRow, error) {
	if actor == ActorAgent {
		row.Owner = store.OwnerAgent
	}
	if err := s.validate(actor, &row); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	created, err := s.store.CreateSkill(ctx, row)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Skill created: %s (%s, tier=%s, owner=%s)", created.Name, created.ID, created.Tier, created.Owner)
	s.notify()
	return created, nil
}

// Update replaces a skill's mutable fields; creation time and ownership are
// preserved.
func (s *Service) Update(ctx context.Context, actor Actor, row store.SkillRow) (*store.SkillRow, error) {
	existing, err := s.store.GetSkill(ctx, row.ID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(actor, existing); err != nil {
		return nil, err
	}
	if err := s.validate(actor, &row); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	row.Owner = existing.Owner
	row.CreatedAt = existing.CreatedAt
	updated, err := s.store.UpdateSkill(ctx, row)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Skill updated: %s (%s)", updated.Name, updated.ID)
	s.notify()
	return updated, nil
}

// Upsert creates the skill if its id is unknown, otherwise updates it.
func (s *Service) Upsert(ctx context.Context, actor Actor, row store.SkillRow) (*store.SkillRow, error) {
	if row.ID == "" {
		return s.Create(ctx, actor, row)
	}
	if _, err := s.store.GetSkill(ctx, row.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return s.Create(ctx, actor, row)
		}
		return nil, err
	}
	return s.Update(ctx, actor, row)
}

// SetEnabled flips a skill without touching its other fields.
func (s *Service) SetEnabled(ctx context.Context, actor Actor, id string, enabled bool) (*store.SkillRow, error) {
	existing, err := s.store.GetSkill(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(actor, existing); err != nil {
		return nil, err
	}
	if existing.Enabled == enabled {
		return existing, nil
	}
	existing.Enabled = enabled
	updated, err := s.store.UpdateSkill(ctx, *existing)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Skill %s enabled=%v", id, enabled)
	s.notify()
	return updated, nil
}

// Delete removes a skill. Reports whether a row was actually deleted.
func (s *Service) Delete(ctx context.Context, actor Actor, id string) (bool, error) {
	existing, err := s.store.GetSkill(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := s.authorize(actor, existing); err != nil {
		return false, err
	}
	if err := s.store.DeleteSkill(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	s.logger.Info("Skill deleted: %s (%s)", existing.Name, id)
	s.notify()
	return true, nil
}

func (s *Service) Get(ctx context.Context, id string) (*store.SkillRow, error) {
	return s.store.GetSkill(ctx, id)
}

func (s *Service) List(ctx context.Context, enabledOnly bool) ([]store.SkillRow, error) {
	return s.store.ListSkills(ctx, enabledOnly)
}

// InstructionTexts returns the prompt text of every enabled instruction
// skill, inline content first, file content as fallback. Unreadable files are
// logged and skipped so one bad path cannot empty the prompt.
func (s *Service) InstructionTexts(ctx context.Context) ([]string, error) {
	rows, err := s.store.ListSkills(ctx, true)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, row := range rows {
		if row.Tier != store.TierInstruction {
			continue
		}
		text := row.InstructionContent
		if text == "" && row.InstructionPath != "" {
			data, err := os.ReadFile(row.InstructionPath)
			if err != nil {
				s.logger.Warn("Skill %s: instruction file unreadable: %v", row.Name, err)
				continue
			}
			text = string(data)
		}
		if trimmed := strings.TrimSpace(text); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out, nil
}

// authorize enforces the agent boundary: system-owned rows are read-only to
// the agent.
func (s *Service) authorize(actor Actor, existing *store.SkillRow) error {
	if actor == ActorAgent && existing.Owner == store.OwnerSystem {
		return fmt.Errorf("skill %s is system-owned: %w", existing.ID, ErrForbidden)
	}
	return nil
}

func (s *Service) validate(actor Actor, row *store.SkillRow) error {
	if strings.TrimSpace(row.Name) == "" {
		return fmt.Errorf("skill name is required")
	}
	if !store.ValidTier(row.Tier) {
		return fmt.Errorf("invalid tier %q (want instruction, stdio, sidecar or service)", row.Tier)
	}
	if actor == ActorAgent && row.Tier == store.TierSidecar {
		return fmt.Errorf("agent may not manage sidecar-tier skills: %w", ErrForbidden)
	}
	if row.Owner == "" {
		row.Owner = store.OwnerSystem
	}
	if row.Owner != store.OwnerSystem && row.Owner != store.OwnerAgent {
		return fmt.Errorf("invalid owner %q (want system or agent)", row.Owner)
	}
	if row.Tier == store.TierInstruction {
		return nil
	}
	if row.Transport == "" {
		if row.HTTPURL != "" {
			row.Transport = store.TransportHTTP
		} else {
			row.Transport = store.TransportStdio
		}
	}
	switch row.Transport {
	case store.TransportStdio:
		if strings.TrimSpace(row.StdioCommand) == "" {
			return fmt.Errorf("%s-tier skill needs a stdio_command", row.Tier)
		}
	case store.TransportHTTP:
		if strings.TrimSpace(row.HTTPURL) == "" {
			return fmt.Errorf("%s-tier skill needs an http_url", row.Tier)
		}
	default:
		return fmt.Errorf("invalid transport %q (want stdio or http)", row.Transport)
	}
	return nil
}
