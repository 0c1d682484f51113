package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/osgrep/internal/engine"
	"github.com/dshills/osgrep/internal/registry"
	"github.com/dshills/osgrep/internal/searcher"
	"github.com/dshills/osgrep/internal/server"
	"github.com/dshills/osgrep/internal/store"
	"github.com/dshills/osgrep/pkg/types"
)

// snippetLines is how much of each chunk --content prints
const snippetLines = 8

type searchOptions struct {
	topK     int
	rerank   bool
	mode     string
	path     string
	glob     string
	content  bool
	json     bool
	noServer bool
}

func (o *searchOptions) bindFlags(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&o.topK, "top-k", "k", 0, "maximum number of results (default from config)")
	cmd.Flags().BoolVar(&o.rerank, "rerank", false, "rescore candidates with the fine-grained model")
	cmd.Flags().StringVar(&o.mode, "mode", "hybrid", "retrieval mode: hybrid, vector or keyword")
	cmd.Flags().StringVar(&o.path, "path", "", "only search files under this relative path")
	cmd.Flags().StringVar(&o.glob, "glob", "", "only search files matching this glob, e.g. '**/*_test.go'")
	cmd.Flags().BoolVar(&o.json, "json", false, "print results as JSON")
	cmd.Flags().BoolVar(&o.noServer, "no-server", false, "search the index directly even if a server is running")
}

func (o *searchOptions) request(cmd *cobra.Command, query string) (server.SearchRequest, error) {
	mode, err := searcher.ParseSearchMode(o.mode)
	if err != nil {
		return server.SearchRequest{}, err
	}
	req := server.SearchRequest{
		Query:      query,
		TopK:       o.topK,
		Mode:       string(mode),
		PathPrefix: o.path,
		PathGlob:   o.glob,
	}
	if cmd.Flags().Changed("rerank") {
		rerank := o.rerank
		req.Rerank = &rerank
	}
	return req, nil
}

func (o *searchOptions) params(req server.SearchRequest) engine.SearchParams {
	return engine.SearchParams{
		TopK:       req.TopK,
		Rerank:     req.Rerank,
		Mode:       searcher.SearchMode(req.Mode),
		PathPrefix: req.PathPrefix,
		PathGlob:   req.PathGlob,
	}
}

func newSearchCmd(root *rootOptions) *cobra.Command {
	opts := &searchOptions{}
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the index with a natural language query",
		Long: `Search the project index and print the best matching chunks.

A running "osgrep serve" for this project answers the query when available.

Examples:
  osgrep search "where do we retry failed requests"
  osgrep search -k 3 --path internal/auth "token refresh"
  osgrep search --content "parse config file"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, root, opts, strings.Join(args, " "))
		},
	}
	opts.bindFlags(cmd)
	cmd.Flags().BoolVarP(&opts.content, "content", "c", false, "print the start of each matching chunk")
	return cmd
}

func newAskCmd(root *rootOptions) *cobra.Command {
	opts := &searchOptions{}
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question from the most relevant code",
		Long: `Answer a question about the project from its most relevant chunks. The
answer cites file and line ranges.

Example:
  osgrep ask "how are expired sessions cleaned up?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, root, opts, strings.Join(args, " "))
		},
	}
	opts.bindFlags(cmd)
	return cmd
}

func runSearch(cmd *cobra.Command, root *rootOptions, opts *searchOptions, query string) error {
	req, err := opts.request(cmd, query)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	results, err := viaServer(cmd, root, opts, func(ctx context.Context, c *server.Client) ([]types.SearchResult, error) {
		return c.Search(ctx, req)
	})
	if errors.Is(err, errNoServer) {
		e, logger, openErr := root.openEngine(cmd, false)
		if openErr != nil {
			return openErr
		}
		defer closeEngine(e, logger)
		results, err = e.Search(cmd.Context(), query, opts.params(req))
	}
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if opts.json {
		return writeJSON(out, results)
	}
	printResults(out, results, opts.content)
	return nil
}

func runAsk(cmd *cobra.Command, root *rootOptions, opts *searchOptions, question string) error {
	req, err := opts.request(cmd, question)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	resp, err := viaServer(cmd, root, opts, func(ctx context.Context, c *server.Client) (*store.AskResponse, error) {
		return c.Ask(ctx, req)
	})
	if errors.Is(err, errNoServer) {
		e, logger, openErr := root.openEngine(cmd, false)
		if openErr != nil {
			return openErr
		}
		defer closeEngine(e, logger)
		resp, err = e.Ask(cmd.Context(), question, opts.params(req))
	}
	if err != nil {
		return fmt.Errorf("ask failed: %w", err)
	}

	if opts.json {
		return writeJSON(out, resp)
	}
	fmt.Fprintln(out, resp.Answer)
	if len(resp.Sources) > 0 {
		fmt.Fprintln(out, "\nSources:")
		printResults(out, resp.Sources, false)
	}
	return nil
}

var errNoServer = errors.New("no usable server")

// viaServer runs fn against the project's daemon. It returns errNoServer
// when there is none or it cannot be reached, so the caller falls back to
// the local index. Errors reported by a reachable server are returned as is.
func viaServer[T any](cmd *cobra.Command, root *rootOptions, opts *searchOptions, fn func(context.Context, *server.Client) (T, error)) (T, error) {
	var zero T
	if opts.noServer {
		return zero, errNoServer
	}
	dir, err := root.projectDir()
	if err != nil {
		return zero, err
	}
	paths, err := engine.Locate(dir)
	if err != nil {
		return zero, err
	}
	lock, err := registry.LiveServer(paths.IndexDir)
	if err != nil {
		return zero, errNoServer
	}

	logger := root.logger(cmd)
	c := server.NewClient(lock.Port, lock.AuthToken)
	if err := c.Health(cmd.Context()); err != nil {
		logger.Debug("server not reachable, using the local index", "port", lock.Port, "error", err)
		return zero, errNoServer
	}
	logger.Debug("using running server", "port", lock.Port, "pid", lock.PID)

	v, err := fn(cmd.Context(), c)
	var apiErr *server.APIError
	if err != nil && !errors.As(err, &apiErr) {
		// connection dropped mid request
		logger.Warn("server request failed, using the local index", "error", err)
		return zero, errNoServer
	}
	return v, err
}

func printResults(w io.Writer, results []types.SearchResult, content bool) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No results. Run \"osgrep index\" if the project has not been indexed.")
		return
	}
	for _, r := range results {
		fmt.Fprintf(w, "%s:%d-%d  (%.3f)\n", r.File.Path, r.File.StartLine, r.File.EndLine, r.Score)
		if content {
			for _, line := range snippet(r.Content, snippetLines) {
				fmt.Fprintf(w, "    %s\n", line)
			}
			fmt.Fprintln(w)
		}
	}
}

func snippet(content string, n int) []string {
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	if len(lines) > n {
		lines = append(lines[:n], "...")
	}
	return lines
}
