package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/deixis/lvbench/internal/report"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const defaultInspectTail = 40

type inspectParams struct {
	RecordID string `json:"record_id" jsonschema:"the record ID from an lv_build, lv_run or lv_kill result"`
	Grep     string `json:"grep,omitempty" jsonschema:"return only output lines containing this text"`
	Tail     int    `json:"tail,omitempty" jsonschema:"number of trailing output lines to return when grep is not set (default 40)"`
}

func (h *handler) inspectHandler(ctx context.Context, req *mcp.CallToolRequest, params inspectParams) (*mcp.CallToolResult, any, error) {
	if params.RecordID == "" {
		return errorResult("record_id is required")
	}

	result, err := h.engine.Show(params.RecordID)
	if err != nil {
		return errorResultf("Failed to load record %s: %v", params.RecordID, err)
	}

	var lines []report.Line
	if params.Grep != "" {
		lines = report.Grep(result, params.Grep)
		if len(lines) == 0 {
			return textResult(fmt.Sprintf("No output lines contain %q in record %s (%s).", params.Grep, params.RecordID, result.Kind))
		}
	} else {
		n := params.Tail
		if n <= 0 {
			n = defaultInspectTail
		}
		lines = report.Tail(result, n)
		if len(lines) == 0 {
			return textResult(fmt.Sprintf("Record %s (%s) captured no output.", params.RecordID, result.Kind))
		}
	}

	return textResult(formatInspectOutput(result, lines))
}

func formatInspectOutput(result *report.RunResult, lines []report.Line) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Record: %s (%s %s/%s, %s)\n", result.ID, result.Kind, result.Board, result.Config, result.Status)
	if result.Digest != "" {
		fmt.Fprintf(&b, "Digest: %s\n", result.Digest)
	}
	fmt.Fprintln(&b)

	for _, l := range lines {
		fmt.Fprintf(&b, "%5d  %s\n", l.Number, l.Text)
	}
	return b.String()
}

type historyParams struct {
	Board string `json:"board,omitempty" jsonschema:"only list results for this board"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of results (default 20)"`
}

func (h *handler) historyHandler(ctx context.Context, req *mcp.CallToolRequest, params historyParams) (*mcp.CallToolResult, any, error) {
	results, err := h.engine.History(params.Board)
	if err != nil {
		return errorResultf("Failed to list results: %v", err)
	}
	if len(results) == 0 {
		return textResult("No stored results.")
	}

	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}
	var b strings.Builder
	for i, r := range results {
		if i == limit {
			fmt.Fprintf(&b, "... (%d more)\n", len(results)-limit)
			break
		}
		fmt.Fprintf(&b, "%s  %s  %-5s %s/%s  %s\n",
			r.StartedAt.Format("2006-01-02 15:04:05"), r.ID, r.Kind, r.Board, r.Config, r.Status)
	}
	return textResult(b.String())
}
