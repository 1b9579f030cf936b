package mcp

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type boardsParams struct{}

func (h *handler) boardsHandler(ctx context.Context, req *mcp.CallToolRequest, _ boardsParams) (*mcp.CallToolResult, any, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "Workspace: %s\n", h.workspace)
	fmt.Fprintln(&b)

	names := h.engine.Boards.Names()
	fmt.Fprintf(&b, "Boards (%d):\n", len(names))
	for _, name := range names {
		fmt.Fprintf(&b, "  %s\n", name)
	}

	active := h.engine.Active()
	if len(active) == 0 {
		fmt.Fprintln(&b, "\nNo sessions in progress.")
		return textResult(b.String())
	}

	busy := make([]string, 0, len(active))
	for name := range active {
		busy = append(busy, name)
	}
	slices.Sort(busy)
	fmt.Fprintf(&b, "\nIn progress (%d):\n", len(busy))
	for _, name := range busy {
		s := active[name]
		fmt.Fprintf(&b, "  %s: %s", s.Target, s.State)
		if s.SessionID != "" {
			fmt.Fprintf(&b, " (session %s)", s.SessionID)
		}
		fmt.Fprintln(&b)
	}
	return textResult(b.String())
}
