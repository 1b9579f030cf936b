// Package mcp provides the lvbench MCP server, registering all tools
// and publishing model instructions.
package mcp

import (
	_ "embed"
	"fmt"

	"github.com/deixis/lvbench"
	"github.com/deixis/lvbench/internal/board"
	"github.com/deixis/lvbench/internal/workflow"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

//go:embed instructions.md
var Instructions string

// handler holds shared dependencies for all tool handlers.
type handler struct {
	engine    *workflow.Engine
	workspace string
}

// NewServer creates an MCP server with all lvbench tools registered.
func NewServer(engine *workflow.Engine, workspace string) *mcp.Server {
	h := &handler{engine: engine, workspace: workspace}

	mcpOpts := &mcp.ServerOptions{
		Instructions: Instructions,
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{ListChanged: false},
		},
	}
	s := mcp.NewServer(&mcp.Implementation{Name: "lvbench", Version: lvbench.Version}, mcpOpts)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "lv_boards",
		Description: "List the boards lvbench can build and run, and any benchmark sessions in progress.",
	}, h.boardsHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "lv_build",
		Description: `Build the LVGL benchmark for a board and configuration.

Runs the board's toolchain (CMake, ESP-IDF, NuttX make, Yocto SDK). The result is
stored; drill into the failing output with lv_inspect.`,
	}, h.buildHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "lv_run",
		Description: `Flash or deploy a built benchmark and capture its output until "Benchmark Over".

Returns when the benchmark completes, fails, goes silent past the read timeout, or is
killed with lv_kill. Only completed runs update the board's results file.`,
	}, h.runHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "lv_kill",
		Description: `Stop the benchmark on a board.

Cancels the board's active lv_run session and runs the board's own kill action
(for example killall over SSH for remote boards).`,
	}, h.killHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "lv_inspect",
		Description: `Drill into the captured output of an lv_build, lv_run or lv_kill result.

Use the record ID from the tool output. Filter lines with grep, or read the last lines with tail.`,
	}, h.inspectHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "lv_history",
		Description: "List stored results, newest first, optionally for one board.",
	}, h.historyHandler)

	return s
}

type targetParams struct {
	Board  string `json:"board" jsonschema:"board name, as listed by lv_boards (e.g. esp32s3, native, renesas-rzg3e)"`
	Config string `json:"config" jsonschema:"board configuration name (e.g. eve, nuttx, wayland, default)"`
}

func (p targetParams) target() board.Target {
	return board.Target{Board: p.Board, Config: p.Config}
}

// textResult is a helper to build a text-only tool result.
func textResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, nil, nil
}

// errorResult is a helper to build an error tool result.
func errorResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}, nil, nil
}

func errorResultf(format string, args ...any) (*mcp.CallToolResult, any, error) {
	return errorResult(fmt.Sprintf(format, args...))
}
