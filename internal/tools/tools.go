// Package tools defines the contract every tool in the brain speaks,
// whether it is built in, backed by an MCP skill, or provided by an
// in-process plugin.
package tools

import (
	"context"
	"fmt"
)

// Tool executes one named operation on behalf of the agent.
type Tool interface {
	// Definition returns the tool's schema for the model.
	Definition() Definition

	// Execute runs the tool. Failures the model should see and react to
	// belong in the Result with IsError set; an error return is reserved
	// for infrastructure faults the caller handles.
	Execute(ctx context.Context, call Call) (*Result, error)
}

// Call is a request to execute a tool.
type Call struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Arguments      map[string]any `json:"arguments"`
	ConversationID string         `json:"conversation_id,omitempty"`
}

// Result is what a tool hands back to the model.
type Result struct {
	CallID  string `json:"call_id,omitempty"`
	Content string `json:"content"`
	JobID   string `json:"job_id,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// Text builds a successful result.
func Text(call Call, format string, args ...any) *Result {
	return &Result{CallID: call.ID, Content: fmt.Sprintf(format, args...)}
}

// Fail builds a result whose content tells the model what went wrong.
func Fail(call Call, format string, args ...any) *Result {
	return &Result{CallID: call.ID, Content: "Error: " + fmt.Sprintf(format, args...), IsError: true}
}

// Definition describes a tool for the model.
type Definition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  Schema `json:"parameters"`
}

// Schema defines tool parameters in JSON Schema form.
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Property defines a single parameter.
type Property struct {
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Enum        []string  `json:"enum,omitempty"`
	Items       *Property `json:"items,omitempty"`
}

// ObjectSchema is the empty object schema for tools without parameters.
func ObjectSchema(properties map[string]Property, required ...string) Schema {
	if properties == nil {
		properties = map[string]Property{}
	}
	return Schema{Type: "object", Properties: properties, Required: required}
}

// Map renders the schema in the raw JSON-object form model providers and
// MCP servers exchange.
func (s Schema) Map() map[string]any {
	props := make(map[string]any, len(s.Properties))
	for name, p := range s.Properties {
		props[name] = p.Map()
	}
	out := map[string]any{"type": s.Type, "properties": props}
	if len(s.Required) > 0 {
		out["required"] = append([]string(nil), s.Required...)
	}
	return out
}

// Map renders the property as a raw JSON-object schema fragment.
func (p Property) Map() map[string]any {
	out := map[string]any{"type": p.Type}
	if p.Description != "" {
		out["description"] = p.Description
	}
	if len(p.Enum) > 0 {
		vals := make([]any, len(p.Enum))
		for i, v := range p.Enum {
			vals[i] = v
		}
		out["enum"] = vals
	}
	if p.Items != nil {
		out["items"] = p.Items.Map()
	}
	return out
}
