package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/deixis/lvbench/internal/report"
	"github.com/deixis/lvbench/internal/workflow"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func (h *handler) buildHandler(ctx context.Context, req *mcp.CallToolRequest, params targetParams) (*mcp.CallToolResult, any, error) {
	rr, err := h.engine.Build(ctx, params.target())
	if err != nil {
		return errorResultf("build failed: %v", err)
	}
	return textResult(formatAction(rr))
}

func (h *handler) runHandler(ctx context.Context, req *mcp.CallToolRequest, params targetParams) (*mcp.CallToolResult, any, error) {
	rr, err := h.engine.Run(ctx, params.target())
	if err != nil && rr == nil {
		return errorResultf("run failed: %v", err)
	}
	text := formatAction(rr)
	if err != nil {
		text += fmt.Sprintf("\nWarning: %v\n", err)
	}
	return textResult(text)
}

func (h *handler) killHandler(ctx context.Context, req *mcp.CallToolRequest, params targetParams) (*mcp.CallToolResult, any, error) {
	rr, err := h.engine.Kill(ctx, params.target())
	if err != nil {
		return errorResultf("kill failed: %v", err)
	}
	return textResult(formatAction(rr))
}

func formatAction(rr *report.RunResult) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Status: %s\n", strings.ToUpper(string(rr.Status)))
	fmt.Fprintf(&b, "Record: %s\n", rr.ID)
	fmt.Fprintf(&b, "Target: %s/%s (%s)\n", rr.Board, rr.Config, rr.Kind)
	if rr.SessionID != "" {
		fmt.Fprintf(&b, "Session: %s (%s)\n", rr.SessionID, rr.State)
	}
	fmt.Fprintln(&b)

	if rr.Passed() {
		if rr.Kind == report.Run && rr.Status == report.Pass {
			fmt.Fprintf(&b, "Captured %d lines (digest %s).\n", len(report.Grep(rr, "")), shortDigest(rr.Digest))
		}
		if rr.Status == report.Skipped {
			fmt.Fprintf(&b, "Skipped: %s\n", rr.Reason)
		}
		return b.String()
	}

	fmt.Fprintf(&b, "Reason: %s\n", workflow.FirstLine(rr.Reason))
	if steps := workflow.FormatSteps(rr.Steps); steps != "" {
		fmt.Fprintln(&b)
		fmt.Fprintln(&b, "Steps:")
		fmt.Fprint(&b, steps)
	}
	fmt.Fprintln(&b)
	fmt.Fprintf(&b, "Inspect with lv_inspect(record_id=%q, tail=40) or lv_inspect(record_id=%q, grep=\"error\").\n", rr.ID, rr.ID)
	return b.String()
}

func shortDigest(d string) string {
	if len(d) > 16 {
		return d[:16]
	}
	return d
}
