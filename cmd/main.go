package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/desertthunder/kbmigrate/internal/shared"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := NewRunner(RunnerOpts{})

	app := &cli.Command{
		Name:     "kbmigrate",
		Usage:    "Migrate an ITGlue document export into the SuperOps knowledge base",
		Version:  "0.1.0",
		Commands: runner.register(),
	}

	if err := app.Run(ctx, os.Args); err != nil {
		switch {
		case errors.Is(err, shared.ErrRunAborted):
			runner.logger.Error("migration stopped before finishing", "error", err)
			stop()
			os.Exit(2)
		case errors.Is(err, shared.ErrRunLocked):
			runner.logger.Error("another migration is running against this database", "error", err)
			stop()
			os.Exit(3)
		default:
			runner.logger.Fatalf("application error: %v", err)
		}
	}
}
