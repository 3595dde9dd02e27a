package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/storefind/storefind/internal/ingest"
	"github.com/storefind/storefind/internal/retrieval"
	"github.com/storefind/storefind/internal/storage"
)

// MCPDeps holds dependencies for the MCP server. MCP transports carry no
// headers, so each tool call authenticates with an api_key argument.
type MCPDeps struct {
	Catalog  *storage.Catalog
	Searcher Searcher
	Ingester Ingester
}

// NewMCPServer creates an MCP server exposing product search and ingestion
// as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"storefind",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("storefind — semantic product search over registered store catalogs."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_products",
			mcp.WithDescription("Semantically search a store's product catalog and return ranked matches."),
			mcp.WithString("api_key", mcp.Description("Store API key"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Natural-language search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearchProducts(deps),
	)

	s.AddTool(
		mcp.NewTool("ingest_products",
			mcp.WithDescription("Add or update products in a store's catalog. Products are JSON objects with title, description, price, url, image, sku."),
			mcp.WithString("api_key", mcp.Description("Store API key"), mcp.Required()),
			mcp.WithString("products", mcp.Description("JSON array of product objects"), mcp.Required()),
		),
		mcpIngestProducts(deps),
	)

	return s
}

func mcpStore(deps MCPDeps, req mcp.CallToolRequest) (storage.Store, *mcp.CallToolResult) {
	key, err := req.RequireString("api_key")
	if err != nil {
		return storage.Store{}, mcpError("api_key is required")
	}
	store, err := deps.Catalog.GetStoreByAPIKey(key)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Store{}, mcpError("invalid API key")
	}
	if err != nil {
		return storage.Store{}, mcpError(fmt.Sprintf("authentication failed: %v", err))
	}
	return store, nil
}

func mcpSearchProducts(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		store, errResult := mcpStore(deps, req)
		if errResult != nil {
			return errResult, nil
		}

		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		results, err := deps.Searcher.Search(ctx, store.ID, retrieval.Query{Text: query, Limit: limit})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		if len(results) == 0 {
			return mcpText("[]"), nil
		}

		out := make([]searchResult, len(results))
		for i, res := range results {
			out[i] = searchResult{
				ID:          res.ID,
				Title:       res.Title,
				Description: res.Description,
				Price:       res.Price,
				URL:         res.URL,
				Image:       res.Image,
				SKU:         res.SKU,
				Score:       res.Score,
			}
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpIngestProducts(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		store, errResult := mcpStore(deps, req)
		if errResult != nil {
			return errResult, nil
		}

		productsJSON, err := req.RequireString("products")
		if err != nil {
			return mcpError("products is required"), nil
		}

		var records []ingest.RawRecord
		if err := json.Unmarshal([]byte(productsJSON), &records); err != nil {
			return mcpError(fmt.Sprintf("invalid products JSON: %v", err)), nil
		}
		if len(records) == 0 {
			return mcpError("products is empty"), nil
		}

		report, err := deps.Ingester.Ingest(ctx, store.ID, records)
		if err != nil {
			return mcpError(fmt.Sprintf("ingest failed: %v", err)), nil
		}

		if report.Failed == nil {
			report.Failed = []ingest.Failure{}
		}
		b, err := json.Marshal(report)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal report: %v", err)), nil
		}
		return mcpText(string(b)), nil
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
