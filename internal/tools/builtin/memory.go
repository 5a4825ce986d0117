package builtin

import (
	"context"
	"fmt"
	"strings"

	"cortex/internal/memory"
	"cortex/internal/store"
	"cortex/internal/tools"
)

// MemoryService is the slice of the memory pipeline the tools need.
type MemoryService interface {
	Store(ctx context.Context, content, category string) (*store.Memory, error)
	Search(ctx context.Context, query string, limit int) ([]memory.Result, error)
	Remove(ctx context.Context, id string) error
}

type memoryStore struct {
	service MemoryService
}

// NewMemoryStore constructs the tool that persists a long-term memory.
func NewMemoryStore(service MemoryService) tools.Tool {
	return &memoryStore{service: service}
}

func (t *memoryStore) Definition() tools.Definition {
	return tools.Definition{
		Name:        "memory_store",
		Description: "Store a fact worth remembering across conversations.",
		Parameters: tools.ObjectSchema(map[string]tools.Property{
			"content": {Type: "string", Description: "The fact to remember, phrased to stand alone."},
			"category": {
				Type:        "string",
				Description: "Free-form grouping such as preference, person, or project. Default general.",
			},
		}, "content"),
	}
}

func (t *memoryStore) Execute(ctx context.Context, call tools.Call) (*tools.Result, error) {
	if t.service == nil {
		return tools.Fail(call, "memory service not configured"), nil
	}
	content := stringArg(call.Arguments, "content")
	if content == "" {
		return tools.Fail(call, "content is required"), nil
	}
	entry, err := t.service.Store(ctx, content, stringArg(call.Arguments, "category"))
	if err != nil {
		return tools.Fail(call, "%v", err), nil
	}
	return tools.Text(call, "Remembered as %s (%s)", entry.ID, entry.Category), nil
}

type memorySearch struct {
	service MemoryService
}

// NewMemorySearch constructs the tool that recalls stored memories.
func NewMemorySearch(service MemoryService) tools.Tool {
	return &memorySearch{service: service}
}

func (t *memorySearch) Definition() tools.Definition {
	return tools.Definition{
		Name:        "memory_search",
		Description: "Search long-term memory by meaning and return the closest matches.",
		Parameters: tools.ObjectSchema(map[string]tools.Property{
			"query": {Type: "string", Description: "What to look for."},
			"limit": {Type: "number", Description: "Maximum matches to return, default 5."},
		}, "query"),
	}
}

func (t *memorySearch) Execute(ctx context.Context, call tools.Call) (*tools.Result, error) {
	if t.service == nil {
		return tools.Fail(call, "memory service not configured"), nil
	}
	query := stringArg(call.Arguments, "query")
	if query == "" {
		return tools.Fail(call, "query is required"), nil
	}
	results, err := t.service.Search(ctx, query, intArg(call.Arguments, "limit", 5))
	if err != nil {
		return tools.Fail(call, "%v", err), nil
	}
	if len(results) == 0 {
		return tools.Text(call, "No matching memories."), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d memor%s:\n", len(results), plural(len(results), "y", "ies"))
	for _, r := range results {
		fmt.Fprintf(&b, "- [%s] %s (score %.2f, id %s)\n", r.Category, r.Content, r.Score, r.ID)
	}
	return tools.Text(call, "%s", strings.TrimRight(b.String(), "\n")), nil
}

type memoryDelete struct {
	service MemoryService
}

// NewMemoryDelete constructs the tool that forgets a stored memory.
func NewMemoryDelete(service MemoryService) tools.Tool {
	return &memoryDelete{service: service}
}

func (t *memoryDelete) Definition() tools.Definition {
	return tools.Definition{
		Name:        "memory_delete",
		Description: "Delete a stored memory by id, for facts that are wrong or no longer wanted.",
		Parameters: tools.ObjectSchema(map[string]tools.Property{
			"id": {Type: "string", Description: "Memory id from memory_search."},
		}, "id"),
	}
}

func (t *memoryDelete) Execute(ctx context.Context, call tools.Call) (*tools.Result, error) {
	if t.service == nil {
		return tools.Fail(call, "memory service not configured"), nil
	}
	id := stringArg(call.Arguments, "id")
	if id == "" {
		return tools.Fail(call, "id is required"), nil
	}
	if err := t.service.Remove(ctx, id); err != nil {
		return tools.Fail(call, "%v", err), nil
	}
	return tools.Text(call, "Forgot memory %s", id), nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
