// Package tools provides the registry of functions the assistant can invoke
// during a turn: listening-history queries, semantic search over the local
// vector store, and playlist operations.
package tools

import (
	"context"

	"rhythmchamber/internal/llm"
)

// Category classifies tools for capability filtering.
type Category string

const (
	// CategoryInsights covers listening-history statistics and summaries.
	CategoryInsights Category = "/insights"

	// CategorySearch covers semantic and metadata search.
	CategorySearch Category = "/search"

	// CategoryLibrary covers playlist and library mutations.
	CategoryLibrary Category = "/library"

	// CategoryGeneral is for tools usable in any turn.
	CategoryGeneral Category = "/general"
)

// Property describes a single parameter for the JSON schema surfaced to the
// model.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Default     any    `json:"default,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
	Items       *Items `json:"items,omitempty"`
}

// Items describes the schema for array elements.
type Items struct {
	Type string `json:"type"`
}

// Schema defines the expected arguments for a tool.
type Schema struct {
	Required   []string            `json:"required"`
	Properties map[string]Property `json:"properties"`
}

// ExecuteFunc runs a tool with parsed arguments.
type ExecuteFunc func(ctx context.Context, args map[string]any) (string, error)

// Tool is one registered function.
type Tool struct {
	// Name is the unique identifier surfaced to the model.
	Name string

	// Description explains what the tool does.
	Description string

	// Category classifies the tool for capability filtering.
	Category Category

	// Execute runs the tool.
	Execute ExecuteFunc

	// Schema defines the expected arguments.
	Schema Schema
}

// Validate checks the tool definition.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Execute == nil {
		return ErrToolExecuteNil
	}
	return nil
}

// Definition converts the tool into the provider wire format.
func (t *Tool) Definition() llm.ToolDefinition {
	params := map[string]interface{}{
		"type": "object",
	}
	if len(t.Schema.Properties) > 0 {
		params["properties"] = t.Schema.Properties
	}
	if len(t.Schema.Required) > 0 {
		params["required"] = t.Schema.Required
	}
	return llm.ToolDefinition{
		Type: "function",
		Function: llm.FunctionDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		},
	}
}

// Result wraps a tool execution with metadata.
type Result struct {
	ToolName string
	Output   string
	IsError  bool
	Err      error
}
