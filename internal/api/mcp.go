package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/medbrief/internal/profile"
	"github.com/kalambet/medbrief/internal/query"
	"github.com/kalambet/medbrief/internal/searches"
)

const recentResourceLimit = 10

// MCPDeps holds dependencies for the MCP server. Every call acts as Owner.
type MCPDeps struct {
	Searches *searches.Service
	Profiles *profile.Manager
	Owner    string
	Version  string
}

// NewMCPServer creates an MCP server with the medbrief tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"medbrief",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("medbrief generates structured, educational disease briefings. Briefings are not medical advice."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_disease",
			mcp.WithDescription("Create (or reuse) a briefing for a disease name and return the search record."),
			mcp.WithString("query", mcp.Description("Disease name, 3-120 characters"), mcp.Required()),
		),
		mcpSearchDisease(deps),
	)

	s.AddTool(
		mcp.NewTool("get_search",
			mcp.WithDescription("Fetch a search record including its briefing payload when ready."),
			mcp.WithString("search_id", mcp.Description("Search identifier"), mcp.Required()),
		),
		mcpGetSearch(deps),
	)

	s.AddTool(
		mcp.NewTool("list_searches",
			mcp.WithDescription("List the most recent searches, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpListSearches(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"searches://recent",
			"Recent Searches",
			mcp.WithResourceDescription("Last 10 searches (title, query, status)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	if deps.Profiles != nil {
		s.AddResource(
			mcp.NewResource(
				"profile://current",
				"Medical Profile",
				mcp.WithResourceDescription("Medical profile used to personalize briefings"),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourceProfile(deps),
		)
	}

	return s
}

func mcpSearchDisease(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		q, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		res, err := deps.Searches.Create(ctx, deps.Owner, q)
		if err != nil {
			return mcpServiceError(err), nil
		}

		b, err := json.Marshal(struct {
			SearchResponse
			Reused bool `json:"reused,omitempty"`
		}{newSearchResponse(res.Search), res.Reused})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal search: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("search_id")
		if err != nil {
			return mcpError("search_id is required"), nil
		}

		rec, err := deps.Searches.Get(ctx, deps.Owner, id)
		if err != nil {
			return mcpServiceError(err), nil
		}

		b, err := json.Marshal(newSearchResponse(rec))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal search: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListSearches(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", searches.DefaultLimit)

		page, err := deps.Searches.Recent(ctx, deps.Owner, 1, limit)
		if err != nil {
			return mcpServiceError(err), nil
		}

		b, err := json.Marshal(newListResponse(page, func(item searches.RecentItem) RecentSearchResponse {
			return RecentSearchResponse(item)
		}).Data)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal searches: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		page, err := deps.Searches.Recent(ctx, deps.Owner, 1, recentResourceLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent searches: %w", err)
		}

		b, err := json.Marshal(newListResponse(page, func(item searches.RecentItem) RecentSearchResponse {
			return RecentSearchResponse(item)
		}).Data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal searches: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceProfile(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		p, err := deps.Profiles.GetProfile(ctx, deps.Owner)
		if err != nil {
			return nil, fmt.Errorf("failed to get profile: %w", err)
		}

		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal profile: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

// mcpServiceError converts a service error into a tool error result.
func mcpServiceError(err error) *mcp.CallToolResult {
	var validation *query.ValidationError
	var limited *searches.RateLimitError
	switch {
	case errors.As(err, &validation):
		return mcpError(validation.Error())
	case errors.As(err, &limited):
		return mcpError(limited.Error())
	case errors.Is(err, searches.ErrNotFound):
		return mcpError("search not found")
	case errors.Is(err, searches.ErrUnauthenticated):
		return mcpError("no owner configured; set mcp.owner")
	default:
		slog.Error("mcp tool failed", "error", err)
		return mcpError("internal error")
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
