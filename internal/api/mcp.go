package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/icewall905/image-tagger/internal/pipeline"
	"github.com/icewall905/image-tagger/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Runner   Runner
	Progress *pipeline.Progress
}

// NewMCPServer creates an MCP server with the tagging tools and resources
// registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"image-tagger",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("image-tagger — local AI image tagging: search tagged images, tag individual files, check processing status."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("search_images",
			mcp.WithDescription("Search tagged images by description text or exact tag."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearchImages(deps),
	)

	s.AddTool(
		mcp.NewTool("describe_image",
			mcp.WithDescription("Run the tagging pipeline on a single image file and return its description and tags."),
			mcp.WithString("path", mcp.Description("Absolute path to the image file"), mcp.Required()),
			mcp.WithBoolean("force", mcp.Description("Reprocess even if the image was already tagged")),
		),
		mcpDescribeImage(deps),
	)

	s.AddTool(
		mcp.NewTool("processing_status",
			mcp.WithDescription("Report the current processing operation and image counts by status."),
		),
		mcpProcessingStatus(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"tags://all",
			"All Tags",
			mcp.WithResourceDescription("Every known tag with its image count, as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceTags(deps),
	)

	return s
}

func mcpSearchImages(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 100 {
			limit = 100
		}

		images, err := deps.Store.SearchImages(query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		if len(images) == 0 {
			return mcpText("[]"), nil
		}

		type imageResult struct {
			Path        string   `json:"path"`
			Description string   `json:"description"`
			Tags        []string `json:"tags"`
		}

		results := make([]imageResult, len(images))
		for i, img := range images {
			results[i] = imageResult{
				Path:        img.Path,
				Description: img.Description,
				Tags:        img.Tags,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpDescribeImage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcpError("path is required"), nil
		}

		force := req.GetBool("force", false)

		outcome := deps.Runner.ProcessImage(ctx, path, force)
		switch outcome.Status {
		case pipeline.OutcomeSkipped:
			return mcpText(fmt.Sprintf("%s is already tagged; pass force=true to reprocess", path)), nil
		case pipeline.OutcomeFailed:
			return mcpError(fmt.Sprintf("tagging failed: %v", outcome.Err)), nil
		}

		b, err := json.Marshal(map[string]any{
			"path":        path,
			"description": outcome.Description,
			"tags":        outcome.Tags,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpProcessingStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		counts, err := deps.Store.CountImagesByStatus()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to count images: %v", err)), nil
		}

		snap := deps.Progress.Current()
		b, err := json.Marshal(map[string]any{
			"is_running":   snap.IsRunning,
			"current_task": snap.CurrentTask,
			"completed":    snap.Completed,
			"total":        snap.Total,
			"percent":      snap.Percent(),
			"last_error":   snap.LastError,
			"counts":       counts,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpResourceTags(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		tags, err := deps.Store.ListTags()
		if err != nil {
			return nil, fmt.Errorf("failed to list tags: %w", err)
		}

		type tagEntry struct {
			Name  string `json:"name"`
			Count int    `json:"count"`
		}
		entries := make([]tagEntry, len(tags))
		for i, t := range tags {
			entries[i] = tagEntry{Name: t.Name, Count: t.Count}
		}

		b, err := json.Marshal(entries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal tags: %w", err)
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
