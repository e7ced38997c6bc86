package rpc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/clipvec/clipvec/internal/acquire"
	"github.com/clipvec/clipvec/internal/orchestrator"
)

// ToolsHandler implements the tool-call surface over the orchestrator's
// command surface, following the teacher's tool-dispatch/CallToolResult
// formatting idiom.
type ToolsHandler struct {
	orch *orchestrator.Orchestrator
}

// NewToolsHandler constructs a ToolsHandler.
func NewToolsHandler(orch *orchestrator.Orchestrator) *ToolsHandler {
	return &ToolsHandler{orch: orch}
}

// ListTools returns the list of available tools.
func (h *ToolsHandler) ListTools() ToolsListResult {
	return ToolsListResult{Tools: []Tool{
		{
			Name:        "clipvec_search",
			Description: "Semantically search clipboard history for previously copied text similar in meaning to the query.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]PropertySchema{
					"query": {Type: "string", Description: "Natural-language description of what you're looking for."},
					"limit": {Type: "integer", Description: "Maximum number of results to return.", Default: 10},
				},
				Required: []string{"query"},
			},
		},
		{
			Name:        "clipvec_status",
			Description: "Report semantic search status: model availability, indexing progress, and item counts.",
			InputSchema: InputSchema{Type: "object", Properties: map[string]PropertySchema{}},
		},
		{
			Name:        "clipvec_download_model",
			Description: "Start downloading the embedding model in the background.",
			InputSchema: InputSchema{Type: "object", Properties: map[string]PropertySchema{}},
		},
		{
			Name:        "clipvec_cancel_download",
			Description: "Cancel an in-progress model download.",
			InputSchema: InputSchema{Type: "object", Properties: map[string]PropertySchema{}},
		},
		{
			Name:        "clipvec_manual_download_info",
			Description: "Return the URL, target path, and filename for manually downloading the embedding model.",
			InputSchema: InputSchema{Type: "object", Properties: map[string]PropertySchema{}},
		},
		{
			Name:        "clipvec_index",
			Description: "Start an incremental bulk-indexing pass over unindexed clipboard text.",
			InputSchema: InputSchema{Type: "object", Properties: map[string]PropertySchema{}},
		},
		{
			Name:        "clipvec_rebuild",
			Description: "Clear and rebuild the entire semantic index from scratch.",
			InputSchema: InputSchema{Type: "object", Properties: map[string]PropertySchema{}},
		},
	}}
}

// CallTool executes a tool and returns its result.
func (h *ToolsHandler) CallTool(ctx context.Context, name string, args map[string]interface{}) (CallToolResult, error) {
	switch name {
	case "clipvec_search":
		return h.handleSearch(ctx, args)
	case "clipvec_status":
		return h.handleStatus(ctx, args)
	case "clipvec_download_model":
		return h.handleDownloadModel(ctx, args)
	case "clipvec_cancel_download":
		return h.handleCancelDownload(ctx, args)
	case "clipvec_manual_download_info":
		return h.handleManualDownloadInfo(ctx, args)
	case "clipvec_index":
		return h.handleIndex(ctx, args)
	case "clipvec_rebuild":
		return h.handleRebuild(ctx, args)
	default:
		return errResult(fmt.Sprintf("unknown tool: %s", name)), nil
	}
}

func errResult(msg string) CallToolResult {
	return CallToolResult{Content: []ContentBlock{TextContent(msg)}, IsError: true}
}

func okResult(msg string) CallToolResult {
	return CallToolResult{Content: []ContentBlock{TextContent(msg)}}
}

func (h *ToolsHandler) handleSearch(ctx context.Context, args map[string]interface{}) (CallToolResult, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return errResult("query parameter is required"), nil
	}

	limit := 10
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}

	hits, err := h.orch.Search(ctx, query, limit)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrDisabled):
			return errResult("semantic search is disabled"), nil
		case errors.Is(err, orchestrator.ErrModelUnavailable):
			return errResult("the embedding model is not available; run clipvec_download_model first"), nil
		default:
			return errResult(fmt.Sprintf("search error: %v", err)), nil
		}
	}

	if len(hits) == 0 {
		return okResult("No results found."), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d results:\n\n", len(hits)))
	for i, r := range hits {
		sb.WriteString(fmt.Sprintf("### Result %d (score: %.3f)\n", i+1, r.Score))
		sb.WriteString(r.Item.Content)
		sb.WriteString("\n\n")
	}

	return okResult(sb.String()), nil
}

func (h *ToolsHandler) handleStatus(ctx context.Context, args map[string]interface{}) (CallToolResult, error) {
	st := h.orch.Status(ctx)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("enabled: %v\n", st.Enabled))
	sb.WriteString(fmt.Sprintf("model_downloaded: %v\n", st.ModelDownloaded))
	sb.WriteString(fmt.Sprintf("model_loaded: %v\n", st.ModelLoaded))
	if st.DownloadProgress != nil {
		sb.WriteString(fmt.Sprintf("download_progress: %.1f%%\n", *st.DownloadProgress*100))
	}
	sb.WriteString(fmt.Sprintf("indexed: %d/%d\n", st.IndexedCount, st.TotalTextCount))
	sb.WriteString(fmt.Sprintf("indexing_in_progress: %v\n", st.IndexingInProgress))

	return okResult(sb.String()), nil
}

func (h *ToolsHandler) handleDownloadModel(ctx context.Context, args map[string]interface{}) (CallToolResult, error) {
	if err := h.orch.StartDownload(ctx); err != nil {
		if errors.Is(err, acquire.ErrAlreadyDownloading) {
			return errResult("a download is already in progress"), nil
		}
		return errResult(fmt.Sprintf("failed to start download: %v", err)), nil
	}
	return okResult("Download started."), nil
}

func (h *ToolsHandler) handleCancelDownload(ctx context.Context, args map[string]interface{}) (CallToolResult, error) {
	h.orch.CancelDownload()
	return okResult("Download cancelled."), nil
}

func (h *ToolsHandler) handleManualDownloadInfo(ctx context.Context, args map[string]interface{}) (CallToolResult, error) {
	info := h.orch.ManualDownloadInfo()
	return okResult(fmt.Sprintf("url: %s\ntarget_path: %s\nfilename: %s\n", info.URL, info.TargetPath, info.Filename)), nil
}

func (h *ToolsHandler) handleIndex(ctx context.Context, args map[string]interface{}) (CallToolResult, error) {
	if err := h.orch.StartBulkIndexing(ctx); err != nil {
		return errResult(fmt.Sprintf("failed to start indexing: %v", err)), nil
	}
	return okResult("Indexing started."), nil
}

func (h *ToolsHandler) handleRebuild(ctx context.Context, args map[string]interface{}) (CallToolResult, error) {
	if err := h.orch.RebuildIndex(ctx); err != nil {
		return errResult(fmt.Sprintf("failed to rebuild index: %v", err)), nil
	}
	return okResult("Rebuild started."), nil
}
