// Command osgrep indexes a project into a local vector store and answers
// semantic searches over it.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dshills/osgrep/internal/shutdown"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	ctx, stop := shutdown.NotifyContext(context.Background())
	// every command closes its engine before returning, so the shutdown
	// sequence has run by the time we exit
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "osgrep:", err)
		os.Exit(1)
	}
}
