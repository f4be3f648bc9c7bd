package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/edvin/rollout/internal/cli"
)

func main() {
	// A signal cancels the deployment; the engine still rolls back.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := cli.Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
