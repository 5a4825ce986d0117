package builtin

import (
	"context"

	"cortex/internal/store"
	"cortex/internal/taskpod"
	"cortex/internal/tools"
)

// TaskDispatcher is the slice of the task pod manager the tool needs.
type TaskDispatcher interface {
	Dispatch(ctx context.Context, req taskpod.Request) (*store.TaskPodRow, error)
}

type dispatchTaskPod struct {
	manager TaskDispatcher
}

// NewDispatchTaskPod constructs the tool that runs a goal in an isolated
// throwaway container.
func NewDispatchTaskPod(manager TaskDispatcher) tools.Tool {
	return &dispatchTaskPod{manager: manager}
}

func (t *dispatchTaskPod) Definition() tools.Definition {
	return tools.Definition{
		Name:        "dispatch_task_pod",
		Description: "Run a goal inside an isolated throwaway container with its own toolbox. The pod reports its result asynchronously.",
		Parameters: tools.ObjectSchema(map[string]tools.Property{
			"goal":    {Type: "string", Description: "What the pod should accomplish."},
			"toolbox": {Type: "string", Description: "Toolbox name or container image to run."},
			"mode": {
				Type:        "string",
				Description: "agent runs an agent loop inside the pod; script runs the goal as a script. Default agent.",
				Enum:        []string{store.TaskModeAgent, store.TaskModeScript},
			},
			"recipe": {Type: "string", Description: "Optional named recipe the pod should follow."},
			"mounts": {
				Type:        "array",
				Description: "Host paths to mount, each {path, access:[read|write|delete]}. Paths must be inside the configured allowlist.",
				Items:       &tools.Property{Type: "object"},
			},
			"secrets": {
				Type:        "array",
				Description: "Names of stored secrets to inject as environment variables.",
				Items:       &tools.Property{Type: "string"},
			},
			"timeout_seconds": {Type: "number", Description: "Hard deadline for the pod, default 1800."},
		}, "goal", "toolbox"),
	}
}

func (t *dispatchTaskPod) Execute(ctx context.Context, call tools.Call) (*tools.Result, error) {
	if t.manager == nil {
		return tools.Fail(call, "task pods are not available on this host"), nil
	}
	req := taskpod.Request{
		Goal:           stringArg(call.Arguments, "goal"),
		Toolbox:        stringArg(call.Arguments, "toolbox"),
		Mode:           stringArg(call.Arguments, "mode"),
		Recipe:         stringArg(call.Arguments, "recipe"),
		Mounts:         parseMounts(call.Arguments["mounts"]),
		Secrets:        stringSliceArg(call.Arguments, "secrets"),
		TimeoutSeconds: intArg(call.Arguments, "timeout_seconds", 0),
	}
	row, err := t.manager.Dispatch(ctx, req)
	if err != nil {
		return tools.Fail(call, "%v", err), nil
	}
	return tools.Text(call, "Task pod %s is running (toolbox=%s, mode=%s). Check back with list or get once it reports.", row.TaskID, row.Toolbox, row.Mode), nil
}

func parseMounts(raw any) []taskpod.Mount {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	var out []taskpod.Mount
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		m := taskpod.Mount{
			Path:   stringArg(obj, "path"),
			Access: stringSliceArg(obj, "access"),
		}
		if m.Path != "" {
			out = append(out, m)
		}
	}
	return out
}
