package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/osgrep/internal/engine"
	"github.com/dshills/osgrep/internal/indexer"
	"github.com/dshills/osgrep/internal/logging"
	"github.com/dshills/osgrep/internal/searcher"
	"github.com/dshills/osgrep/internal/store"
	"github.com/dshills/osgrep/pkg/types"
)

type fakeBackend struct {
	query      string
	params     engine.SearchParams
	force      bool
	indexErr   error
	notIndexed bool
}

func (f *fakeBackend) Search(_ context.Context, query string, p engine.SearchParams) ([]types.SearchResult, error) {
	f.query, f.params = query, p
	return []types.SearchResult{{
		Rank:    1,
		Score:   0.8,
		File:    types.FileInfo{Path: "internal/net/retry.go", StartLine: 12, EndLine: 40},
		Content: "func retryWithBackoff() {}",
	}}, nil
}

func (f *fakeBackend) Ask(ctx context.Context, question string, p engine.SearchParams) (*store.AskResponse, error) {
	results, _ := f.Search(ctx, question, p)
	return &store.AskResponse{Answer: "internal/net/retry.go:12 retries with backoff", Sources: results}, nil
}

func (f *fakeBackend) Index(_ context.Context, opts engine.IndexOptions) (*indexer.Statistics, error) {
	f.force = opts.Force
	if f.indexErr != nil {
		return nil, f.indexErr
	}
	failures := make([]indexer.FileFailure, 7)
	for i := range failures {
		failures[i] = indexer.FileFailure{Path: fmt.Sprintf("bad%d.go", i), Err: "boom"}
	}
	return &indexer.Statistics{
		FilesScanned: 10,
		FilesIndexed: 3,
		FilesFailed:  7,
		Failures:     failures,
		Duration:     1500 * time.Millisecond,
	}, nil
}

func (f *fakeBackend) Status(context.Context) (*engine.Status, error) {
	if f.notIndexed {
		return &engine.Status{Root: "/p", StoreID: "osgrep-1"}, nil
	}
	return &engine.Status{
		Root:     "/p",
		StoreID:  "osgrep-1",
		Provider: "local",
		Indexed:  true,
		Store:    &store.Info{Files: 4, Chunks: 9},
	}, nil
}

func callTool(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	if args != nil {
		req.Params.Arguments = args
	}
	return req
}

func decodeResult(t *testing.T, res *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func requireMCPError(t *testing.T, err error, code int) {
	t.Helper()
	var mcpErr *MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, code, mcpErr.Code)
}

func TestNewServer_RegistersTools(t *testing.T) {
	s := NewServer(&fakeBackend{}, logging.Discard())
	require.NotNil(t, s.mcp)

	resp := s.mcp.HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	for _, name := range []string{"index_codebase", "search_code", "ask_codebase", "get_status"} {
		assert.Contains(t, string(raw), `"name":"`+name+`"`)
	}
}

func TestHandleSearchCode(t *testing.T) {
	b := &fakeBackend{}
	s := NewServer(b, logging.Discard())

	res, err := s.handleSearchCode(context.Background(), callTool("search_code", map[string]any{
		"query":       "  retry  ",
		"limit":       float64(5),
		"rerank":      false,
		"path_prefix": "internal/",
		"path_glob":   "**/*.go",
		"mode":        "vector",
	}))
	require.NoError(t, err)

	out := decodeResult(t, res)
	assert.Equal(t, "retry", out["query"])
	assert.EqualValues(t, 1, out["count"])

	assert.Equal(t, "retry", b.query)
	assert.Equal(t, 5, b.params.TopK)
	assert.Equal(t, "internal/", b.params.PathPrefix)
	assert.Equal(t, "**/*.go", b.params.PathGlob)
	require.NotNil(t, b.params.Rerank)
	assert.False(t, *b.params.Rerank)
	assert.Equal(t, searcher.SearchModeVector, b.params.Mode)
}

func TestHandleSearchCode_Defaults(t *testing.T) {
	b := &fakeBackend{}
	s := NewServer(b, logging.Discard())

	_, err := s.handleSearchCode(context.Background(), callTool("search_code", map[string]any{"query": "x"}))
	require.NoError(t, err)
	assert.Equal(t, defaultLimit, b.params.TopK)
	assert.Nil(t, b.params.Rerank)
	assert.Equal(t, searcher.SearchModeHybrid, b.params.Mode)
}

func TestHandleSearchCode_InvalidArguments(t *testing.T) {
	s := NewServer(&fakeBackend{}, logging.Discard())

	tests := []struct {
		name string
		args map[string]any
		code int
	}{
		{name: "no arguments", args: nil, code: ErrorCodeEmptyQuery},
		{name: "blank query", args: map[string]any{"query": "  "}, code: ErrorCodeEmptyQuery},
		{name: "query wrong type", args: map[string]any{"query": 3}, code: ErrorCodeEmptyQuery},
		{name: "limit zero", args: map[string]any{"query": "x", "limit": float64(0)}, code: ErrorCodeInvalidParams},
		{name: "limit too large", args: map[string]any{"query": "x", "limit": float64(101)}, code: ErrorCodeInvalidParams},
		{name: "bad glob", args: map[string]any{"query": "x", "path_glob": "[a-"}, code: ErrorCodeInvalidParams},
		{name: "unknown mode", args: map[string]any{"query": "x", "mode": "fuzzy"}, code: ErrorCodeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.handleSearchCode(context.Background(), callTool("search_code", tt.args))
			requireMCPError(t, err, tt.code)
		})
	}
}

func TestHandleAskCodebase(t *testing.T) {
	s := NewServer(&fakeBackend{}, logging.Discard())

	res, err := s.handleAskCodebase(context.Background(), callTool("ask_codebase", map[string]any{"question": "how do retries work"}))
	require.NoError(t, err)
	out := decodeResult(t, res)
	assert.Contains(t, out["answer"], "internal/net/retry.go:12")
	assert.Len(t, out["sources"], 1)

	_, err = s.handleAskCodebase(context.Background(), callTool("ask_codebase", map[string]any{"query": "wrong key"}))
	requireMCPError(t, err, ErrorCodeEmptyQuery)
}

func TestHandleIndexCodebase(t *testing.T) {
	b := &fakeBackend{}
	s := NewServer(b, logging.Discard())

	res, err := s.handleIndexCodebase(context.Background(), callTool("index_codebase", map[string]any{"force": true}))
	require.NoError(t, err)
	assert.True(t, b.force)

	out := decodeResult(t, res)
	assert.Equal(t, true, out["indexed"])
	assert.EqualValues(t, 3, out["files_indexed"])
	assert.EqualValues(t, 1500, out["duration_ms"])
	assert.Len(t, out["errors"], maxErrorsReported)
	assert.EqualValues(t, 7, out["error_count"])
}

func TestHandleIndexCodebase_LockHeld(t *testing.T) {
	b := &fakeBackend{indexErr: fmt.Errorf("index: %w", &indexer.LockHeldError{Holder: "99 @ now"})}
	s := NewServer(b, logging.Discard())

	_, err := s.handleIndexCodebase(context.Background(), callTool("index_codebase", nil))
	requireMCPError(t, err, ErrorCodeIndexingInProgress)
}

func TestHandleIndexCodebase_Failure(t *testing.T) {
	b := &fakeBackend{indexErr: errors.New("disk full")}
	s := NewServer(b, logging.Discard())

	_, err := s.handleIndexCodebase(context.Background(), callTool("index_codebase", nil))
	requireMCPError(t, err, ErrorCodeInternalError)
}

func TestHandleGetStatus(t *testing.T) {
	t.Run("indexed", func(t *testing.T) {
		s := NewServer(&fakeBackend{}, logging.Discard())
		res, err := s.handleGetStatus(context.Background(), callTool("get_status", nil))
		require.NoError(t, err)

		out := decodeResult(t, res)
		assert.Equal(t, true, out["indexed"])
		assert.Equal(t, "osgrep-1", out["store_id"])
		stats, ok := out["statistics"].(map[string]any)
		require.True(t, ok)
		assert.EqualValues(t, 4, stats["files"])
		assert.EqualValues(t, 9, stats["chunks"])
		assert.NotContains(t, out, "message")
	})

	t.Run("not indexed", func(t *testing.T) {
		s := NewServer(&fakeBackend{notIndexed: true}, logging.Discard())
		res, err := s.handleGetStatus(context.Background(), callTool("get_status", nil))
		require.NoError(t, err)

		out := decodeResult(t, res)
		assert.Equal(t, false, out["indexed"])
		assert.Contains(t, out["message"], "index_codebase")
		assert.NotContains(t, out, "statistics")
	})
}

func TestArgHelpers(t *testing.T) {
	args := map[string]any{"b": true, "f": float64(7), "i": 3, "s": "v"}

	assert.True(t, getBoolDefault(args, "b", false))
	assert.True(t, getBoolDefault(args, "missing", true))
	assert.Equal(t, 7, getIntDefault(args, "f", 0))
	assert.Equal(t, 3, getIntDefault(args, "i", 0))
	assert.Equal(t, 9, getIntDefault(args, "s", 9))
	assert.Equal(t, "v", getStringDefault(args, "s", ""))
	assert.Equal(t, "d", getStringDefault(args, "f", "d"))

	req := callTool("search_code", nil)
	req.Params.Arguments = "nope"
	_, err := arguments(req)
	requireMCPError(t, err, ErrorCodeInvalidParams)
}
