package gallery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterMCP registers the imago tool surface on an MCP server: text
// search, similarity lookup, and catalog stats. Mutations stay HTTP-only.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerSearchTool(srv)
	s.registerSimilarTool(srv)
	s.registerStatsTool(srv)
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

// registerTool wires a decode + endpoint pair behind an MCP tool. Tool-level
// failures are reported through the result error channel, not the transport.
func registerTool(srv *mcp.Server, tool *mcp.Tool, decode func(json.RawMessage) (any, error), endpoint func(context.Context, any) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		in, err := decode(req.Params.Arguments)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("invalid arguments: %w", err))
			return &res, nil
		}
		out, err := endpoint(ctx, in)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(errors.New(err.Error()))
			return &res, nil
		}
		data, err := json.Marshal(out)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

type searchToolReq struct {
	Query    string `json:"query"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
}

func (s *Service) registerSearchTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "imago_search",
		Description: "Search stored images by a natural-language text query. Returns image metadata ranked by similarity.",
		InputSchema: inputSchema(map[string]any{
			"query":     map[string]any{"type": "string", "description": "Text to search for"},
			"page":      map[string]any{"type": "integer", "description": "Page number, starting at 1"},
			"page_size": map[string]any{"type": "integer", "description": "Results per page, max 100"},
		}, []string{"query"}),
	}
	registerTool(srv, tool,
		func(raw json.RawMessage) (any, error) {
			var r searchToolReq
			if err := json.Unmarshal(raw, &r); err != nil {
				return nil, err
			}
			return &r, nil
		},
		func(ctx context.Context, in any) (any, error) {
			r := in.(*searchToolReq)
			return s.SearchText(ctx, r.Query, r.Page, r.PageSize)
		},
	)
}

type similarToolReq struct {
	ImageID  string `json:"image_id"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
}

func (s *Service) registerSimilarTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "imago_similar",
		Description: "Find images visually similar to a stored image, ranked by embedding distance.",
		InputSchema: inputSchema(map[string]any{
			"image_id":  map[string]any{"type": "string", "description": "ID of the reference image"},
			"page":      map[string]any{"type": "integer", "description": "Page number, starting at 1"},
			"page_size": map[string]any{"type": "integer", "description": "Results per page, max 100"},
		}, []string{"image_id"}),
	}
	registerTool(srv, tool,
		func(raw json.RawMessage) (any, error) {
			var r similarToolReq
			if err := json.Unmarshal(raw, &r); err != nil {
				return nil, err
			}
			return &r, nil
		},
		func(ctx context.Context, in any) (any, error) {
			r := in.(*similarToolReq)
			return s.Similar(ctx, r.ImageID, r.Page, r.PageSize)
		},
	)
}

func (s *Service) registerStatsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "imago_stats",
		Description: "Report catalog size and pipeline queue depth by status.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	registerTool(srv, tool,
		func(json.RawMessage) (any, error) { return nil, nil },
		func(ctx context.Context, _ any) (any, error) {
			return s.Stats(ctx)
		},
	)
}
