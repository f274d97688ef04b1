// SPDX-License-Identifier: Apache-2.0
package tools

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/opsgate/opsgate/pkg/errors"
)

type fakeCaller struct {
	lastName string
	lastArgs map[string]interface{}
	result   *mcp.CallToolResult
	err      error
}

func (f *fakeCaller) CallTool(_ context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	f.lastName = name
	f.lastArgs = args
	return f.result, f.err
}

func restartTool() mcp.Tool {
	return mcp.Tool{
		Name:        "restart_service",
		Description: "Restarts a service on a host",
		InputSchema: mcp.ToolInputSchema{
			Type:     "object",
			Required: []string{"service"},
		},
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
	}
}

func TestMCPInvokerInvoke(t *testing.T) {
	caller := &fakeCaller{result: textResult("restarted")}
	inv, err := NewMCPInvoker(caller, []mcp.Tool{restartTool()})
	if err != nil {
		t.Fatalf("new invoker: %v", err)
	}

	out, err := inv.Invoke(context.Background(), "restart_service", map[string]any{"service": "web"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out != "restarted" {
		t.Fatalf("expected text output, got %v", out)
	}
	if caller.lastName != "restart_service" || caller.lastArgs["service"] != "web" {
		t.Fatalf("arguments not forwarded: %s %v", caller.lastName, caller.lastArgs)
	}
}

func TestMCPInvokerMissingRequiredArg(t *testing.T) {
	caller := &fakeCaller{result: textResult("ok")}
	inv, _ := NewMCPInvoker(caller, []mcp.Tool{restartTool()})

	_, err := inv.Invoke(context.Background(), "restart_service", nil)
	if errors.CodeOf(err) != errors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if caller.lastName != "" {
		t.Fatalf("call should not cross the transport on validation failure")
	}
}

func TestMCPInvokerUnknownTool(t *testing.T) {
	inv, _ := NewMCPInvoker(&fakeCaller{}, []mcp.Tool{restartTool()})
	_, err := inv.Invoke(context.Background(), "drop_database", nil)
	if errors.CodeOf(err) != errors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMCPInvokerToolError(t *testing.T) {
	caller := &fakeCaller{result: &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "permission denied"}},
	}}
	inv, _ := NewMCPInvoker(caller, []mcp.Tool{restartTool()})

	_, err := inv.Invoke(context.Background(), "restart_service", map[string]any{"service": "web"})
	oe := errors.AsOpsError(err)
	if oe == nil || oe.Code != errors.CodeToolInvocation {
		t.Fatalf("expected tool invocation error, got %v", err)
	}
	if !oe.Recoverable {
		t.Fatalf("tool failures should be recoverable for retry")
	}
}

func TestMCPInvokerStructuredContent(t *testing.T) {
	payload := map[string]any{"status": "healthy", "latency_ms": float64(12)}
	caller := &fakeCaller{result: &mcp.CallToolResult{StructuredContent: payload}}
	inv, _ := NewMCPInvoker(caller, []mcp.Tool{restartTool()})

	out, err := inv.Invoke(context.Background(), "restart_service", map[string]any{"service": "web"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	m, ok := out.(map[string]any)
	if !ok || m["status"] != "healthy" {
		t.Fatalf("expected structured payload, got %v", out)
	}
}
