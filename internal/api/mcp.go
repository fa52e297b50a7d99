package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/kos/internal/agent"
	"github.com/kalambet/kos/internal/graph"
	"github.com/kalambet/kos/internal/ingest"
	"github.com/kalambet/kos/internal/outbox"
	"github.com/kalambet/kos/internal/retrieval"
	"github.com/kalambet/kos/internal/storage"
)

// NewMCPServer creates an MCP server with the kos tools registered.
func NewMCPServer(deps Deps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"kos",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("kos: ingest documents, search passages and read entity pages built from them."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ingest_item",
			mcp.WithDescription("Store a document. It is chunked, indexed and mined for entities in the background."),
			mcp.WithString("content", mcp.Description("Document text"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Document title")),
			mcp.WithString("tenant_id", mcp.Description("Tenant (default \"default\")")),
			mcp.WithString("user_id", mcp.Description("Owning user")),
			mcp.WithString("external_id", mcp.Description("Stable id in the source system; re-ingesting it replaces the item")),
			mcp.WithString("source", mcp.Description("files, chat, web, api, ...")),
		),
		mcpIngestItem(deps),
	)

	s.AddTool(
		mcp.NewTool("search",
			mcp.WithDescription("Search ingested passages by keywords (text) or meaning (vector)."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("tenant_id", mcp.Description("Tenant (default \"default\")")),
			mcp.WithString("mode", mcp.Description("text or vector (default text)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
			mcp.WithNumber("offset", mcp.Description("Number of results to skip (default 0)")),
		),
		mcpSearch(deps),
	)

	s.AddTool(
		mcp.NewTool("get_entity_page",
			mcp.WithDescription("Return the markdown page for an entity, by id or by name."),
			mcp.WithString("entity_id", mcp.Description("Entity id")),
			mcp.WithString("name", mcp.Description("Entity name, used when entity_id is empty")),
			mcp.WithString("tenant_id", mcp.Description("Tenant for name lookups (default \"default\")")),
		),
		mcpEntityPage(deps),
	)

	s.AddTool(
		mcp.NewTool("list_failed_events",
			mcp.WithDescription("List outbox events that exhausted their retries."),
			mcp.WithString("tenant_id", mcp.Description("Only this tenant")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of events (default 20)")),
		),
		mcpListFailed(deps),
	)

	s.AddTool(
		mcp.NewTool("retry_failed_event",
			mcp.WithDescription("Requeue a failed outbox event with a fresh attempt budget."),
			mcp.WithString("event_id", mcp.Description("Event id"), mcp.Required()),
		),
		mcpRetryFailed(deps),
	)

	return s
}

func mcpIngestItem(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}
		in := IngestRequest{
			TenantID:   req.GetString("tenant_id", ""),
			UserID:     req.GetString("user_id", ""),
			Source:     req.GetString("source", string(storage.SourceChat)),
			ExternalID: req.GetString("external_id", ""),
			Title:      req.GetString("title", ""),
			Content:    content,
		}
		res, err := deps.Ingest.Ingest(ctx, in.request())
		if err != nil {
			return mcpError(fmt.Sprintf("ingest failed: %v", err)), nil
		}
		return mcpJSON(res)
	}
}

func mcpSearch(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}
		res, err := deps.Search.Search(ctx, retrieval.Query{
			TenantID: req.GetString("tenant_id", ingest.DefaultTenant),
			Text:     query,
			Mode:     retrieval.Mode(req.GetString("mode", string(retrieval.ModeText))),
			Limit:    limit,
			Offset:   max(req.GetInt("offset", 0), 0),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		return mcpJSON(nonNilResult(res))
	}
}

func mcpEntityPage(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := req.GetString("entity_id", "")
		if id == "" {
			name := req.GetString("name", "")
			if name == "" {
				return mcpError("entity_id or name is required"), nil
			}
			ent, err := deps.Store.FindEntity(ctx, req.GetString("tenant_id", ingest.DefaultTenant), name)
			if errors.Is(err, storage.ErrNotFound) {
				return mcpError(fmt.Sprintf("no entity named %q", name)), nil
			}
			if err != nil {
				return mcpError(fmt.Sprintf("entity lookup failed: %v", err)), nil
			}
			id = ent.ID
		}

		view, err := LoadEntity(ctx, deps, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError("entity not found"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("loading entity failed: %v", err)), nil
		}
		if view.Page != nil {
			return mcpText(view.Page.Text), nil
		}
		// Not built yet; render what the graph already knows.
		return mcpText(agent.RenderEntityPage(view.Entity, graph.EntityPage{Facts: view.Facts, Evidence: view.Evidence})), nil
	}
}

func mcpListFailed(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 || limit > 200 {
			limit = 20
		}
		evs, err := deps.Queue.FailedEvents(ctx, req.GetString("tenant_id", ""), limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing failed events: %v", err)), nil
		}
		views := make([]EventView, len(evs))
		for i, ev := range evs {
			views[i] = NewEventView(ev)
		}
		return mcpJSON(views)
	}
}

func mcpRetryFailed(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("event_id")
		if err != nil {
			return mcpError("event_id is required"), nil
		}
		switch err := deps.Queue.RetryFailed(ctx, id); {
		case errors.Is(err, outbox.ErrNotFound):
			return mcpError("event not found"), nil
		case errors.Is(err, outbox.ErrNotFailed):
			return mcpError(fmt.Sprintf("event %s is not failed", id)), nil
		case err != nil:
			return mcpError(fmt.Sprintf("retry failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Requeued event %s", id)), nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
