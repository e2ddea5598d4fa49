package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/splax/skiff/cmd/skiff/commands"
	"github.com/splax/skiff/internal/deploy"
)

// Populated by the release pipeline via -ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands.Execute(ctx, version, commit, buildDate); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(deploy.ExitCode(err))
	}
}
