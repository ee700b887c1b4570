// Package main is the entry point for the authgate gateway.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/quillcms/authgate/cmd/authgate/app"
	"github.com/quillcms/authgate/pkg/logger"
)

func main() {
	// Initialize the logger
	logger.Initialize()

	// Create a context that will be canceled on signal
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
