// Command orders-mcp serves order verification and read-only database access to AI agents over the
// Model Context Protocol.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := submain(ctx)
	stop()
	os.Exit(code)
}

func submain(ctx context.Context) int {
	cmd := newRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "orders-mcp: %s\n", err)
		}
		return 1
	}
	return 0
}
