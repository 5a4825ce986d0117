package builtin

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"cortex/internal/extensions"
	"cortex/internal/tools"
)

// ExtensionRegistry is the slice of the extension roster the tools need.
type ExtensionRegistry interface {
	Online() []extensions.Extension
	Search(query string) []extensions.Extension
}

// ActiveJobCounter counts jobs that have not reached a terminal status.
type ActiveJobCounter interface {
	CountActiveJobs(ctx context.Context) (int, error)
}

// SystemInfo identifies the running brain.
type SystemInfo struct {
	Name      string
	Version   string
	StartedAt time.Time
}

type getSystemInfo struct {
	info       SystemInfo
	jobs       ActiveJobCounter
	extensions ExtensionRegistry
}

// NewGetSystemInfo constructs the tool that reports on the brain itself.
func NewGetSystemInfo(info SystemInfo, jobs ActiveJobCounter, exts ExtensionRegistry) tools.Tool {
	return &getSystemInfo{info: info, jobs: jobs, extensions: exts}
}

func (t *getSystemInfo) Definition() tools.Definition {
	return tools.Definition{
		Name:        "get_system_info",
		Description: "Report the brain's version, uptime, host, and current load.",
		Parameters:  tools.ObjectSchema(nil),
	}
}

func (t *getSystemInfo) Execute(ctx context.Context, call tools.Call) (*tools.Result, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", t.info.Name, t.info.Version)
	if !t.info.StartedAt.IsZero() {
		fmt.Fprintf(&b, "Uptime: %s\n", time.Since(t.info.StartedAt).Round(time.Second))
	}
	fmt.Fprintf(&b, "Host: %s/%s, %s, %d goroutines\n",
		runtime.GOOS, runtime.GOARCH, runtime.Version(), runtime.NumGoroutine())
	if t.jobs != nil {
		if n, err := t.jobs.CountActiveJobs(ctx); err == nil {
			fmt.Fprintf(&b, "Active jobs: %d\n", n)
		}
	}
	if t.extensions != nil {
		fmt.Fprintf(&b, "Online extensions: %d\n", len(t.extensions.Online()))
	}
	return tools.Text(call, "%s", strings.TrimRight(b.String(), "\n")), nil
}

type searchRegistry struct {
	extensions ExtensionRegistry
}

// NewSearchRegistry constructs the tool that searches announced extensions.
func NewSearchRegistry(exts ExtensionRegistry) tools.Tool {
	return &searchRegistry{extensions: exts}
}

func (t *searchRegistry) Definition() tools.Definition {
	return tools.Definition{
		Name:        "search_registry",
		Description: "Search the extension registry for online companion processes and the tools they offer.",
		Parameters: tools.ObjectSchema(map[string]tools.Property{
			"query": {Type: "string", Description: "Match against names, descriptions, tags, and tool names. Empty lists everything online."},
		}),
	}
}

func (t *searchRegistry) Execute(ctx context.Context, call tools.Call) (*tools.Result, error) {
	if t.extensions == nil {
		return tools.Fail(call, "extension registry not configured"), nil
	}
	matches := t.extensions.Search(stringArg(call.Arguments, "query"))
	if len(matches) == 0 {
		return tools.Text(call, "No online extensions match."), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d extension(s):\n", len(matches))
	for _, ext := range matches {
		fmt.Fprintf(&b, "- %s %s (%s)", ext.Name, ext.Version, ext.ID)
		if ext.Description != "" {
			fmt.Fprintf(&b, ": %s", ext.Description)
		}
		b.WriteString("\n")
		if ext.MCPURL != "" {
			fmt.Fprintf(&b, "  endpoint: %s (%s)\n", ext.MCPURL, ext.Transport)
		}
		if len(ext.Tools) > 0 {
			fmt.Fprintf(&b, "  tools: %s\n", strings.Join(ext.Tools, ", "))
		}
		if len(ext.Tags) > 0 {
			fmt.Fprintf(&b, "  tags: %s\n", strings.Join(ext.Tags, ", "))
		}
	}
	return tools.Text(call, "%s", strings.TrimRight(b.String(), "\n")), nil
}
