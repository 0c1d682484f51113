package store

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dshills/osgrep/internal/embedder"
	"github.com/dshills/osgrep/pkg/types"
)

const maxAnswerLines = 8

type answerLine struct {
	path   string
	line   int
	text   string
	hits   int
	source int
}

// composeAnswer builds an extractive answer: the source lines that share the
// most words with the question, each cited by path and line number.
func composeAnswer(question string, sources []types.SearchResult) string {
	if len(sources) == 0 {
		return "No indexed code matches the question."
	}

	terms := make(map[string]struct{})
	for _, tok := range embedder.Tokenize(question) {
		if len(tok) > 2 {
			terms[tok] = struct{}{}
		}
	}

	var lines []answerLine
	for i, src := range sources {
		for j, text := range strings.Split(src.Content, "\n") {
			text = strings.TrimSpace(text)
			if text == "" {
				continue
			}
			seen := make(map[string]struct{})
			for _, tok := range embedder.Tokenize(text) {
				if _, ok := terms[tok]; ok {
					seen[tok] = struct{}{}
				}
			}
			if len(seen) == 0 {
				continue
			}
			lines = append(lines, answerLine{
				path:   src.File.Path,
				line:   src.File.StartLine + j,
				text:   text,
				hits:   len(seen),
				source: i,
			})
		}
	}

	var b strings.Builder
	if len(lines) == 0 {
		fmt.Fprintf(&b, "The closest matches for %q are:\n", question)
		for _, src := range sources[:min(len(sources), maxAnswerLines)] {
			fmt.Fprintf(&b, "- %s:%d-%d\n", src.File.Path, src.File.StartLine, src.File.EndLine)
		}
		return strings.TrimRight(b.String(), "\n")
	}

	sort.SliceStable(lines, func(i, j int) bool {
		if lines[i].hits != lines[j].hits {
			return lines[i].hits > lines[j].hits
		}
		return lines[i].source < lines[j].source
	})
	lines = lines[:min(len(lines), maxAnswerLines)]

	fmt.Fprintf(&b, "Relevant code for %q:\n", question)
	for _, l := range lines {
		fmt.Fprintf(&b, "- %s:%d: %s\n", l.path, l.line, l.text)
	}
	return strings.TrimRight(b.String(), "\n")
}
