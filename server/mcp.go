package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/shopscout/shopscout/extract"
	"github.com/shopscout/shopscout/scout"
)

// RegisterMCP registers the search and health tools on an MCP server.
func (s *Server) RegisterMCP(srv *mcp.Server) {
	s.registerSearchTool(srv)
	s.registerHealthTool(srv)
}

// RunMCP serves the tools over stdio until ctx is cancelled. Intended for
// running under an MCP-speaking agent host.
func (s *Server) RunMCP(ctx context.Context) error {
	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "shopscout",
		Version: "1.0.0",
	}, nil)
	s.RegisterMCP(srv)
	return srv.Run(ctx, &mcp.StdioTransport{})
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func textResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		var res mcp.CallToolResult
		res.SetError(fmt.Errorf("marshal: %w", err))
		return &res, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil
}

// --- search ---

type searchArgs struct {
	Query  string `json:"query"`
	Locale string `json:"locale"`
}

// searchSourceResult is one source's aggregated answer in the tool output.
type searchSourceResult struct {
	Source     string              `json:"source"`
	Items      []extract.Candidate `json:"items"`
	Confidence float64             `json:"confidence"`
	FromCache  bool                `json:"from_cache,omitempty"`
	AIDerived  bool                `json:"ai_derived,omitempty"`
}

type searchOutput struct {
	Results         []searchSourceResult `json:"results"`
	Skipped         []string             `json:"skipped,omitempty"`
	Failed          []string             `json:"failed,omitempty"`
	SuccessCount    int                  `json:"success_count"`
	TotalCount      int                  `json:"total_count"`
	DisabledSources []string             `json:"disabled_sources,omitempty"`
}

func (s *Server) registerSearchTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "shopscout_search",
		Description: "Search every configured shopping source for a product query and return per-source results with confidence scores.",
		InputSchema: inputSchema(map[string]any{
			"query":  map[string]any{"type": "string", "description": "Product search query"},
			"locale": map[string]any{"type": "string", "description": "BCP 47 locale for source pages, e.g. en-IN"},
		}, []string{"query"}),
	}

	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args searchArgs
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("invalid arguments: %w", err))
			return &res, nil
		}
		if args.Query == "" {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("query is required"))
			return &res, nil
		}

		// MCP tool calls are request/response; drain the stream and return
		// the aggregate.
		var out searchOutput
		for ev := range s.runner.Run(ctx, args.Query, args.Locale, s.sources) {
			switch ev.Kind {
			case scout.EventResult:
				out.Results = append(out.Results, searchSourceResult{
					Source:     ev.Source,
					Items:      ev.Items,
					Confidence: ev.Confidence,
					FromCache:  ev.FromCache,
					AIDerived:  ev.AIDerived,
				})
			case scout.EventSkipped:
				out.Skipped = append(out.Skipped, ev.Source)
			case scout.EventFailed:
				out.Failed = append(out.Failed, ev.Source)
			case scout.EventCompleted:
				out.SuccessCount = ev.SuccessCount
				out.TotalCount = ev.TotalCount
				out.DisabledSources = ev.DisabledSources
			}
		}
		return textResult(out)
	})
}

// --- health ---

func (s *Server) registerHealthTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "shopscout_health",
		Description: "Report circuit-breaker state and reliability for every configured source.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out := make([]sourceStatus, 0, len(s.sources))
		for _, src := range s.sources {
			rec := s.health.Record(src.ID)
			out = append(out, sourceStatus{
				ID:                src.ID,
				Name:              src.Name,
				State:             rec.State.String(),
				SuccessRate:       rec.SuccessRate(),
				ConsecutiveFails:  rec.ConsecutiveFailures,
				RequiresRendering: src.RequiresRendering,
				HasAPI:            src.HasAPI,
			})
		}
		return textResult(map[string]any{"sources": out})
	})
}
