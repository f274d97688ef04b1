// SPDX-License-Identifier: Apache-2.0
package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/opsgate/opsgate/pkg/errors"
)

// ToolCaller abstracts MCP tool execution so the invoker can be backed by a
// client session, a pool, or a test double.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)
}

// MCPInvoker routes tool invocations to MCP tools registered by name. Each
// invocation is validated against the tool's declared input schema before it
// crosses the transport.
type MCPInvoker struct {
	caller ToolCaller
	tools  map[string]mcp.Tool
}

// NewMCPInvoker builds an invoker over the given caller and tool definitions.
func NewMCPInvoker(caller ToolCaller, defs []mcp.Tool) (*MCPInvoker, error) {
	if caller == nil {
		return nil, errors.New(errors.CodeValidation, "tool caller is required", nil)
	}
	tools := make(map[string]mcp.Tool, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, errors.New(errors.CodeValidation, "mcp tool name is required", nil)
		}
		tools[def.Name] = def
	}
	return &MCPInvoker{caller: caller, tools: tools}, nil
}

// Tools returns the registered tool names.
func (m *MCPInvoker) Tools() []string {
	names := make([]string, 0, len(m.tools))
	for name := range m.tools {
		names = append(names, name)
	}
	return names
}

// Invoke implements Invoker.
func (m *MCPInvoker) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	tool, ok := m.tools[name]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, fmt.Sprintf("unknown tool %q", name), nil)
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := validateRequiredArgs(tool, args); err != nil {
		return nil, err
	}

	result, err := m.caller.CallTool(ctx, name, args)
	if err != nil {
		return nil, errors.New(errors.CodeToolInvocation, fmt.Sprintf("tool %q call failed", name), err).
			WithRecoverable(true).
			WithContext("tool", name)
	}
	return toolResultToOutput(name, result)
}

func validateRequiredArgs(tool mcp.Tool, args map[string]any) error {
	schema := tool.InputSchema
	if schema.Type != "" && schema.Type != "object" {
		return nil
	}
	for _, key := range schema.Required {
		if _, ok := args[key]; !ok {
			return errors.New(errors.CodeValidation,
				fmt.Sprintf("tool %q: missing required field %q", tool.Name, key), nil).
				WithContext("tool", tool.Name)
		}
	}
	return nil
}

func toolResultToOutput(name string, result *mcp.CallToolResult) (any, error) {
	if result == nil {
		return nil, errors.New(errors.CodeToolInvocation, fmt.Sprintf("tool %q returned nil result", name), nil).
			WithRecoverable(true)
	}
	if result.IsError {
		return nil, errors.New(errors.CodeToolInvocation,
			fmt.Sprintf("tool %q returned error: %s", name, extractTextContent(result.Content)), nil).
			WithRecoverable(true).
			WithContext("tool", name)
	}
	if result.StructuredContent != nil {
		return result.StructuredContent, nil
	}
	if text := extractTextContent(result.Content); text != "" {
		return text, nil
	}
	return result, nil
}

func extractTextContent(items []mcp.Content) string {
	if len(items) == 0 {
		return ""
	}
	var parts []string
	for _, item := range items {
		switch content := item.(type) {
		case mcp.TextContent:
			parts = append(parts, content.Text)
		case *mcp.TextContent:
			parts = append(parts, content.Text)
		}
	}
	return strings.Join(parts, "\n")
}
