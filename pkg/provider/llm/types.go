package llm

import "github.com/parley-ai/parley/pkg/types"

// Aliases into [types] so call sites can stay within the llm package
// vocabulary when building requests and reading responses.
type (
	Message           = types.Message
	ToolCall          = types.ToolCall
	ToolDefinition    = types.ToolDefinition
	ModelCapabilities = types.ModelCapabilities
)
