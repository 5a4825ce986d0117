package builtin

import (
	"context"
	"fmt"
	"strings"

	"cortex/internal/skills"
	"cortex/internal/store"
	"cortex/internal/tools"
)

// SkillService is the slice of the skill catalogue the self-management
// tools drive. Every call goes through the agent actor, so system-owned
// rows and the sidecar tier stay out of reach.
type SkillService interface {
	Create(ctx context.Context, actor skills.Actor, row store.SkillRow) (*store.SkillRow, error)
	Update(ctx context.Context, actor skills.Actor, row store.SkillRow) (*store.SkillRow, error)
	SetEnabled(ctx context.Context, actor skills.Actor, id string, enabled bool) (*store.SkillRow, error)
	Delete(ctx context.Context, actor skills.Actor, id string) (bool, error)
	Get(ctx context.Context, id string) (*store.SkillRow, error)
	List(ctx context.Context, enabledOnly bool) ([]store.SkillRow, error)
}

type manageSkill struct {
	service SkillService
}

// NewManageSkill constructs the self-management tool for the agent's own
// skills.
func NewManageSkill(service SkillService) tools.Tool {
	return &manageSkill{service: service}
}

func (t *manageSkill) Definition() tools.Definition {
	return tools.Definition{
		Name:        "manage_skill",
		Description: "Create, update, enable, disable, or delete one of your own skills. System-owned skills cannot be changed.",
		Parameters: tools.ObjectSchema(map[string]tools.Property{
			"action": {
				Type:        "string",
				Description: "What to do.",
				Enum:        []string{"create", "update", "enable", "disable", "delete"},
			},
			"id":          {Type: "string", Description: "Skill id, required for everything except create."},
			"name":        {Type: "string", Description: "Skill name."},
			"description": {Type: "string", Description: "What the skill is for."},
			"tier": {
				Type:        "string",
				Description: "instruction adds text to your system prompt; stdio spawns an MCP server process; service connects to a remote MCP endpoint.",
				Enum:        []string{store.TierInstruction, store.TierStdio, store.TierService},
			},
			"instruction_content": {Type: "string", Description: "Prompt text for instruction skills."},
			"stdio_command":       {Type: "string", Description: "Command to spawn for stdio MCP skills."},
			"stdio_args": {
				Type:        "array",
				Description: "Arguments for the stdio command.",
				Items:       &tools.Property{Type: "string"},
			},
			"http_url": {Type: "string", Description: "Endpoint for streamable HTTP MCP skills."},
			"version":  {Type: "string", Description: "Skill version string."},
		}, "action"),
	}
}

func (t *manageSkill) Execute(ctx context.Context, call tools.Call) (*tools.Result, error) {
	if t.service == nil {
		return tools.Fail(call, "skill service not configured"), nil
	}
	action := stringArg(call.Arguments, "action")
	switch action {
	case "create":
		return t.create(ctx, call)
	case "update":
		return t.update(ctx, call)
	case "enable", "disable":
		return t.setEnabled(ctx, call, action == "enable")
	case "delete":
		return t.delete(ctx, call)
	case "":
		return tools.Fail(call, "action is required"), nil
	default:
		return tools.Fail(call, "unknown action %q", action), nil
	}
}

func (t *manageSkill) create(ctx context.Context, call tools.Call) (*tools.Result, error) {
	row := store.SkillRow{
		Name:               stringArg(call.Arguments, "name"),
		Description:        stringArg(call.Arguments, "description"),
		Tier:               stringArg(call.Arguments, "tier"),
		Version:            stringArg(call.Arguments, "version"),
		InstructionContent: stringArg(call.Arguments, "instruction_content"),
		StdioCommand:       stringArg(call.Arguments, "stdio_command"),
		StdioArgs:          stringSliceArg(call.Arguments, "stdio_args"),
		HTTPURL:            stringArg(call.Arguments, "http_url"),
		Enabled:            true,
	}
	if row.Tier == "" {
		row.Tier = store.TierInstruction
	}
	created, err := t.service.Create(ctx, skills.ActorAgent, row)
	if err != nil {
		return tools.Fail(call, "%v", err), nil
	}
	return tools.Text(call, "Created skill %s (%s)", created.Name, created.ID), nil
}

func (t *manageSkill) update(ctx context.Context, call tools.Call) (*tools.Result, error) {
	id := stringArg(call.Arguments, "id")
	if id == "" {
		return tools.Fail(call, "id is required for update"), nil
	}
	existing, err := t.service.Get(ctx, id)
	if err != nil {
		return tools.Fail(call, "%v", err), nil
	}
	row := *existing
	overlayString(call.Arguments, "name", &row.Name)
	overlayString(call.Arguments, "description", &row.Description)
	overlayString(call.Arguments, "tier", &row.Tier)
	overlayString(call.Arguments, "version", &row.Version)
	overlayString(call.Arguments, "instruction_content", &row.InstructionContent)
	overlayString(call.Arguments, "stdio_command", &row.StdioCommand)
	overlayString(call.Arguments, "http_url", &row.HTTPURL)
	if _, ok := call.Arguments["stdio_args"]; ok {
		row.StdioArgs = stringSliceArg(call.Arguments, "stdio_args")
	}
	updated, err := t.service.Update(ctx, skills.ActorAgent, row)
	if err != nil {
		return tools.Fail(call, "%v", err), nil
	}
	return tools.Text(call, "Updated skill %s (%s)", updated.Name, updated.ID), nil
}

func (t *manageSkill) setEnabled(ctx context.Context, call tools.Call, enabled bool) (*tools.Result, error) {
	id := stringArg(call.Arguments, "id")
	if id == "" {
		return tools.Fail(call, "id is required"), nil
	}
	row, err := t.service.SetEnabled(ctx, skills.ActorAgent, id, enabled)
	if err != nil {
		return tools.Fail(call, "%v", err), nil
	}
	state := "disabled"
	if row.Enabled {
		state = "enabled"
	}
	return tools.Text(call, "Skill %s is now %s", row.Name, state), nil
}

func (t *manageSkill) delete(ctx context.Context, call tools.Call) (*tools.Result, error) {
	id := stringArg(call.Arguments, "id")
	if id == "" {
		return tools.Fail(call, "id is required for delete"), nil
	}
	existed, err := t.service.Delete(ctx, skills.ActorAgent, id)
	if err != nil {
		return tools.Fail(call, "%v", err), nil
	}
	if !existed {
		return tools.Text(call, "Skill %s not found.", id), nil
	}
	return tools.Text(call, "Deleted skill %s", id), nil
}

func overlayString(args map[string]any, key string, dst *string) {
	if _, ok := args[key]; ok {
		*dst = stringArg(args, key)
	}
}

type listSkills struct {
	service SkillService
}

// NewListSkills constructs the tool that lists the skill catalogue.
func NewListSkills(service SkillService) tools.Tool {
	return &listSkills{service: service}
}

func (t *listSkills) Definition() tools.Definition {
	return tools.Definition{
		Name:        "list_skills",
		Description: "List installed skills with their tier, owner, and enabled state.",
		Parameters: tools.ObjectSchema(map[string]tools.Property{
			"enabled_only": {Type: "boolean", Description: "Only show enabled skills."},
		}),
	}
}

func (t *listSkills) Execute(ctx context.Context, call tools.Call) (*tools.Result, error) {
	if t.service == nil {
		return tools.Fail(call, "skill service not configured"), nil
	}
	rows, err := t.service.List(ctx, boolArg(call.Arguments, "enabled_only", false))
	if err != nil {
		return tools.Fail(call, "%v", err), nil
	}
	if len(rows) == 0 {
		return tools.Text(call, "No skills installed."), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d skill(s):\n", len(rows))
	for _, row := range rows {
		state := "disabled"
		if row.Enabled {
			state = "enabled"
		}
		fmt.Fprintf(&b, "- %s [%s, %s, %s-owned] id=%s", row.Name, row.Tier, state, row.Owner, row.ID)
		if row.Description != "" {
			fmt.Fprintf(&b, ": %s", row.Description)
		}
		b.WriteString("\n")
	}
	return tools.Text(call, "%s", strings.TrimRight(b.String(), "\n")), nil
}
