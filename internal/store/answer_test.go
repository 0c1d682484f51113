package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dshills/osgrep/pkg/types"
)

func source(path string, start int, content string) types.SearchResult {
	return types.SearchResult{
		Content: content,
		File:    types.FileInfo{Path: path, StartLine: start, EndLine: start + strings.Count(content, "\n")},
	}
}

func TestComposeAnswer_CitesBestLines(t *testing.T) {
	sources := []types.SearchResult{
		source("cfg/load.go", 10, "func loadConfig(path string) error {\n\treturn parseYAML(path)\n}"),
		source("cfg/env.go", 1, "// config values from the environment\nfunc fromEnv() {}"),
	}

	answer := composeAnswer("where is the config loaded from yaml?", sources)

	lines := strings.Split(answer, "\n")
	assert.Equal(t, `Relevant code for "where is the config loaded from yaml?":`, lines[0])
	assert.Contains(t, answer, "- cfg/env.go:1: // config values from the environment")
	assert.Contains(t, answer, "- cfg/load.go:11: return parseYAML(path)")
	assert.NotContains(t, answer, "cfg/load.go:12")
}

func TestComposeAnswer_NoSources(t *testing.T) {
	assert.Equal(t, "No indexed code matches the question.", composeAnswer("anything", nil))
}

func TestComposeAnswer_FallsBackToLocations(t *testing.T) {
	answer := composeAnswer("zzz", []types.SearchResult{source("a.go", 3, "x := 1\ny := 2")})
	assert.Equal(t, "The closest matches for \"zzz\" are:\n- a.go:3-4", answer)
}

func TestComposeAnswer_LimitsLines(t *testing.T) {
	content := strings.Repeat("retry the call\n", 20)
	answer := composeAnswer("retry", []types.SearchResult{source("r.go", 1, content)})
	assert.Equal(t, maxAnswerLines+1, strings.Count(answer, "\n")+1)
}
