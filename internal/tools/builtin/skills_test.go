package builtin

import (
	"context"
	"strings"
	"testing"

	"cortex/internal/skills"
	"cortex/internal/store"
)

func TestManageSkillLifecycle(t *testing.T) {
	svc := newSkillService(t)
	manage := NewManageSkill(svc)
	list := NewListSkills(svc)

	res := execute(t, manage, map[string]any{
		"action":              "create",
		"name":                "morning-brief",
		"description":         "Compose the morning briefing",
		"instruction_content": "Summarise overnight email and calendar.",
	})
	if res.IsError {
		t.Fatalf("create failed: %s", res.Content)
	}
	if !strings.Contains(res.Content, "Created skill morning-brief") {
		t.Fatalf("content = %q", res.Content)
	}

	rows, err := svc.List(context.Background(), false)
	if err != nil {
		t.Fatalf("list skills: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d skills, want 1", len(rows))
	}
	created := rows[0]
	if created.Tier != store.TierInstruction {
		t.Fatalf("tier = %q, want instruction default", created.Tier)
	}
	if created.Owner != store.OwnerAgent || !created.Enabled {
		t.Fatalf("row = %+v", created)
	}

	res = execute(t, manage, map[string]any{
		"action":      "update",
		"id":          created.ID,
		"description": "Compose and deliver the morning briefing",
	})
	if res.IsError {
		t.Fatalf("update failed: %s", res.Content)
	}
	got, err := svc.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get skill: %v", err)
	}
	if got.Description != "Compose and deliver the morning briefing" {
		t.Fatalf("description = %q", got.Description)
	}
	if got.Name != "morning-brief" || got.InstructionContent == "" {
		t.Fatalf("update clobbered untouched fields: %+v", got)
	}

	res = execute(t, manage, map[string]any{"action": "disable", "id": created.ID})
	if !strings.Contains(res.Content, "now disabled") {
		t.Fatalf("content = %q", res.Content)
	}

	res = execute(t, list, map[string]any{})
	if !strings.Contains(res.Content, "morning-brief [instruction, disabled, agent-owned]") {
		t.Fatalf("content = %q", res.Content)
	}
	res = execute(t, list, map[string]any{"enabled_only": true})
	if res.Content != "No skills installed." {
		t.Fatalf("content = %q", res.Content)
	}

	res = execute(t, manage, map[string]any{"action": "delete", "id": created.ID})
	if res.Content != "Deleted skill "+created.ID {
		t.Fatalf("content = %q", res.Content)
	}

	res = execute(t, manage, map[string]any{"action": "delete", "id": created.ID})
	if res.IsError {
		t.Fatalf("deleting a missing skill should stay non-fatal: %s", res.Content)
	}
	if !strings.Contains(res.Content, "not found") {
		t.Fatalf("content = %q", res.Content)
	}
}

func TestManageSkillValidation(t *testing.T) {
	manage := NewManageSkill(newSkillService(t))

	res := execute(t, manage, map[string]any{})
	if !res.IsError || !strings.Contains(res.Content, "action") {
		t.Fatalf("result = %+v", res)
	}
	res = execute(t, manage, map[string]any{"action": "explode"})
	if !res.IsError || !strings.Contains(res.Content, "explode") {
		t.Fatalf("result = %+v", res)
	}
	res = execute(t, manage, map[string]any{"action": "update", "description": "x"})
	if !res.IsError || !strings.Contains(res.Content, "id is required") {
		t.Fatalf("result = %+v", res)
	}
}

func TestManageSkillCannotTouchSystemSkills(t *testing.T) {
	svc := newSkillService(t)
	row, err := svc.Create(context.Background(), skills.ActorSystem, store.SkillRow{
		Name:               "core-notes",
		Tier:               store.TierInstruction,
		InstructionContent: "Built-in note habits.",
		Owner:              store.OwnerSystem,
		Enabled:            true,
	})
	if err != nil {
		t.Fatalf("seed system skill: %v", err)
	}

	manage := NewManageSkill(svc)
	res := execute(t, manage, map[string]any{"action": "delete", "id": row.ID})
	if !res.IsError || !strings.Contains(res.Content, "system-owned") {
		t.Fatalf("result = %+v", res)
	}
	if _, err := svc.Get(context.Background(), row.ID); err != nil {
		t.Fatalf("system skill should survive: %v", err)
	}
}
