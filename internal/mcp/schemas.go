package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

const (
	defaultLimit = 10
	maxLimit     = 100
)

// indexCodebaseTool returns the tool definition for index_codebase
func indexCodebaseTool() mcp.Tool {
	return mcp.Tool{
		Name:        "index_codebase",
		Description: "Index the project so it can be searched. Only new and changed files are embedded.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"force": map[string]any{
					"type":        "boolean",
					"description": "If true, re-embed every file ignoring content hashes",
					"default":     false,
				},
			},
		},
	}
}

func searchProperties(queryName, queryDesc string) map[string]any {
	return map[string]any{
		queryName: map[string]any{
			"type":        "string",
			"description": queryDesc,
		},
		"limit": map[string]any{
			"type":        "integer",
			"description": "Maximum number of results to return (1-100)",
			"default":     defaultLimit,
			"minimum":     1,
			"maximum":     maxLimit,
		},
		"rerank": map[string]any{
			"type":        "boolean",
			"description": "Rescore candidates with the fine-grained model. Defaults to the project configuration.",
		},
		"mode": map[string]any{
			"type":        "string",
			"description": "Retrieval mode: hybrid (vector plus keyword), vector or keyword",
			"enum":        []string{"hybrid", "vector", "keyword"},
			"default":     "hybrid",
		},
		"path_prefix": map[string]any{
			"type":        "string",
			"description": "Only return chunks from files under this relative path (e.g. 'internal/auth/')",
		},
		"path_glob": map[string]any{
			"type":        "string",
			"description": "Only return chunks from files matching this glob (e.g. '**/*_test.go')",
		},
	}
}

// searchCodeTool returns the tool definition for search_code
func searchCodeTool() mcp.Tool {
	return mcp.Tool{
		Name:        "search_code",
		Description: "Search the indexed project with a natural language or keyword query",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: searchProperties("query", "Search query (natural language or keywords)"),
			Required:   []string{"query"},
		},
	}
}

// askCodebaseTool returns the tool definition for ask_codebase
func askCodebaseTool() mcp.Tool {
	return mcp.Tool{
		Name:        "ask_codebase",
		Description: "Answer a question about the project from its most relevant code, with file and line citations",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: searchProperties("question", "Question about the code"),
			Required:   []string{"question"},
		},
	}
}

// getStatusTool returns the tool definition for get_status
func getStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_status",
		Description: "Report index location, embedding model and file and chunk counts",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}
}
