package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/osgrep/internal/engine"
	"github.com/dshills/osgrep/internal/indexer"
	"github.com/dshills/osgrep/internal/searcher"
	"github.com/dshills/osgrep/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams      = -32602 // Invalid method parameters
	ErrorCodeInternalError      = -32603 // Internal JSON-RPC error
	ErrorCodeIndexingInProgress = -32002 // Another process holds the writer lock
	ErrorCodeEmptyQuery         = -32004 // Query parameter is empty
)

// maxErrorsReported caps the failures echoed back by index_codebase
const maxErrorsReported = 5

func (s *Server) handleIndexCodebase(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	stats, err := s.backend.Index(ctx, engine.IndexOptions{Force: getBoolDefault(args, "force", false)})
	if err != nil {
		if errors.Is(err, indexer.ErrLockHeld) {
			return nil, newMCPError(ErrorCodeIndexingInProgress, "indexing already in progress", map[string]any{
				"error": err.Error(),
			})
		}
		return nil, newMCPError(ErrorCodeInternalError, "indexing failed", map[string]any{
			"error": err.Error(),
		})
	}

	response := map[string]any{
		"indexed":        true,
		"files_scanned":  stats.FilesScanned,
		"files_indexed":  stats.FilesIndexed,
		"files_skipped":  stats.FilesSkipped,
		"files_failed":   stats.FilesFailed,
		"files_deleted":  stats.FilesDeleted,
		"chunks_created": stats.ChunksCreated,
		"duration_ms":    stats.Duration.Milliseconds(),
	}
	if stats.CacheReset {
		response["cache_reset"] = true
	}
	if n := len(stats.Failures); n > 0 {
		if n > maxErrorsReported {
			response["errors"] = stats.Failures[:maxErrorsReported]
			response["error_count"] = n
		} else {
			response["errors"] = stats.Failures
		}
	}

	return mcp.NewToolResultText(formatJSON(response)), nil
}

func (s *Server) handleSearchCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	query, params, err := searchArgs(args, "query")
	if err != nil {
		return nil, err
	}

	results, err := s.backend.Search(ctx, query, params)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "search failed", map[string]any{
			"error": err.Error(),
		})
	}

	response := map[string]any{
		"query":   query,
		"count":   len(results),
		"results": formatResults(results),
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

func (s *Server) handleAskCodebase(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	question, params, err := searchArgs(args, "question")
	if err != nil {
		return nil, err
	}

	resp, err := s.backend.Ask(ctx, question, params)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "ask failed", map[string]any{
			"error": err.Error(),
		})
	}

	response := map[string]any{
		"answer":  resp.Answer,
		"sources": formatResults(resp.Sources),
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

func (s *Server) handleGetStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status, err := s.backend.Status(ctx)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to get status", map[string]any{
			"error": err.Error(),
		})
	}

	response := map[string]any{
		"indexed":   status.Indexed,
		"indexing":  status.Indexing,
		"root":      status.Root,
		"index_dir": status.IndexDir,
		"store_id":  status.StoreID,
		"backend":   status.Backend,
		"embedding": map[string]any{
			"provider":  status.Provider,
			"model":     status.Model,
			"dimension": status.Dimension,
		},
	}
	if !status.Indexed {
		response["message"] = "Project not indexed. Use the index_codebase tool to index it."
	}
	if st := status.Store; st != nil {
		response["statistics"] = map[string]any{
			"files":      st.Files,
			"chunks":     st.Chunks,
			"updated_at": st.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
	}

	return mcp.NewToolResultText(formatJSON(response)), nil
}

// searchArgs validates the arguments shared by search_code and ask_codebase
func searchArgs(args map[string]any, queryKey string) (string, engine.SearchParams, error) {
	query := strings.TrimSpace(getStringDefault(args, queryKey, ""))
	if query == "" {
		return "", engine.SearchParams{}, newMCPError(ErrorCodeEmptyQuery, queryKey+" parameter is required and cannot be empty", map[string]any{
			"param":  queryKey,
			"reason": "missing or empty",
		})
	}

	limit := getIntDefault(args, "limit", defaultLimit)
	if limit < 1 || limit > maxLimit {
		return "", engine.SearchParams{}, newMCPError(ErrorCodeInvalidParams, fmt.Sprintf("limit must be between 1 and %d", maxLimit), map[string]any{
			"param": "limit",
			"value": limit,
		})
	}

	params := engine.SearchParams{
		TopK:       limit,
		PathPrefix: getStringDefault(args, "path_prefix", ""),
		PathGlob:   getStringDefault(args, "path_glob", ""),
	}
	if params.PathGlob != "" && !doublestar.ValidatePattern(params.PathGlob) {
		return "", engine.SearchParams{}, newMCPError(ErrorCodeInvalidParams, "invalid path_glob", map[string]any{
			"param": "path_glob",
			"value": params.PathGlob,
		})
	}
	if v, ok := args["rerank"].(bool); ok {
		params.Rerank = &v
	}
	mode, err := searcher.ParseSearchMode(getStringDefault(args, "mode", ""))
	if err != nil {
		return "", engine.SearchParams{}, newMCPError(ErrorCodeInvalidParams, err.Error(), map[string]any{
			"param": "mode",
			"value": args["mode"],
		})
	}
	params.Mode = mode
	return query, params, nil
}

func formatResults(results []types.SearchResult) []map[string]any {
	out := make([]map[string]any, 0, len(results))
	for _, r := range results {
		out = append(out, map[string]any{
			"rank":  r.Rank,
			"score": r.Score,
			"file": map[string]any{
				"path":       r.File.Path,
				"start_line": r.File.StartLine,
				"end_line":   r.File.EndLine,
			},
			"content": r.Content,
		})
	}
	return out
}

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data any) error {
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    any
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// arguments returns the call arguments; a call without any is an empty map
func arguments(request mcp.CallToolRequest) (map[string]any, error) {
	if request.Params.Arguments == nil {
		return map[string]any{}, nil
	}
	args, ok := request.Params.Arguments.(map[string]any)
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	return args, nil
}

// formatJSON formats a map as indented JSON
func formatJSON(data map[string]any) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]any, key string, defaultValue bool) bool {
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultValue
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]any, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]any, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}
