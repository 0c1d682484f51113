package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/dshills/osgrep/internal/engine"
	"github.com/dshills/osgrep/internal/indexer"
)

// maxFailuresShown caps the per-file failures printed after a run
const maxFailuresShown = 10

type indexOptions struct {
	force  bool
	dryRun bool
	json   bool
	noBar  bool
}

func newIndexCmd(root *rootOptions) *cobra.Command {
	opts := &indexOptions{}
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Index the project for searching",
		Long: `Index new and changed files of the project and drop files that no longer exist.

Files are compared by content hash, so an unchanged file is never embedded
twice. Only one process may index a project at a time.

Examples:
  osgrep index            # Incremental update
  osgrep index --force    # Re-embed everything
  osgrep index --dry-run  # Report what would change`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runIndex(cmd, root, opts)
		},
	}
	cmd.Flags().BoolVarP(&opts.force, "force", "f", false, "re-embed every file ignoring content hashes")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "report what would change without writing anything")
	cmd.Flags().BoolVar(&opts.json, "json", false, "print statistics as JSON")
	cmd.Flags().BoolVar(&opts.noBar, "no-progress", false, "do not show a progress indicator")
	return cmd
}

func runIndex(cmd *cobra.Command, root *rootOptions, opts *indexOptions) error {
	e, logger, err := root.openEngine(cmd, opts.dryRun)
	if err != nil {
		return err
	}
	defer closeEngine(e, logger)

	var bar *progressbar.ProgressBar
	var barMu sync.Mutex
	idxOpts := engine.IndexOptions{Force: opts.force}
	if !opts.json && !opts.noBar {
		bar = newProgressBar(cmd.ErrOrStderr())
		idxOpts.OnProgress = func(p indexer.Progress) {
			barMu.Lock()
			defer barMu.Unlock()
			_ = bar.Set(p.Scanned)
			bar.Describe(fmt.Sprintf("Indexing %s", p.Path))
		}
	}

	stats, err := e.Index(cmd.Context(), idxOpts)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return fmt.Errorf("indexing failed: %w", err)
	}

	out := cmd.OutOrStdout()
	if opts.json {
		return writeJSON(out, stats)
	}
	printStats(out, e.Paths().IndexDir, stats)
	return nil
}

func newProgressBar(w io.Writer) *progressbar.ProgressBar {
	// the walk streams, so the total is unknown and the bar is a spinner
	return progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("Indexing"),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}

func printStats(w io.Writer, indexDir string, stats *indexer.Statistics) {
	if stats.DryRun {
		fmt.Fprintf(w, "Dry run, nothing was written:\n")
		fmt.Fprintf(w, "  Files to index:  %d\n", stats.FilesIndexed)
		fmt.Fprintf(w, "  Files unchanged: %d\n", stats.FilesSkipped)
		fmt.Fprintf(w, "  Files to delete: %d\n", stats.FilesDeleted)
		return
	}

	fmt.Fprintf(w, "Indexing complete:\n")
	fmt.Fprintf(w, "  Files scanned:  %d\n", stats.FilesScanned)
	fmt.Fprintf(w, "  Files indexed:  %d\n", stats.FilesIndexed)
	fmt.Fprintf(w, "  Files skipped:  %d (unchanged)\n", stats.FilesSkipped)
	fmt.Fprintf(w, "  Files deleted:  %d (removed)\n", stats.FilesDeleted)
	fmt.Fprintf(w, "  Chunks created: %d\n", stats.ChunksCreated)
	fmt.Fprintf(w, "  Duration:       %s\n", stats.Duration.Round(time.Millisecond))
	if stats.CacheReset {
		fmt.Fprintf(w, "  Embedding model changed or --force given, all files were re-embedded\n")
	}

	if n := len(stats.Failures); n > 0 {
		fmt.Fprintf(w, "\nFailed files:\n")
		for i, f := range stats.Failures {
			if i == maxFailuresShown {
				fmt.Fprintf(w, "  ... and %d more\n", n-maxFailuresShown)
				break
			}
			fmt.Fprintf(w, "  - %s: %s\n", f.Path, f.Err)
		}
	}

	fmt.Fprintf(w, "\nIndex stored at: %s\n", indexDir)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
