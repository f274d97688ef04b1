// SPDX-License-Identifier: Apache-2.0
// Package tools exposes infrastructure tooling to agents through a uniform
// invocation contract. The concrete implementation bridges to MCP servers.
package tools

import (
	"context"
)

// Invoker executes a named tool with structured arguments. Agents depend on
// this interface rather than on a transport so tests can substitute fakes.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) (any, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, name string, args map[string]any) (any, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	return f(ctx, name, args)
}
