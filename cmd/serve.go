package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API, dispatcher, outbox relay, watchdog and result consumer",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := resolve(cmd.Context())
	if err != nil {
		return err
	}

	app, err := server.Build(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	runErr := app.Run(cmd.Context())
	closeErr := app.Close(context.WithoutCancel(cmd.Context()))
	if closeErr != nil {
		logger.Warn("shutdown finished with errors", zap.Error(closeErr))
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("run application: %w", runErr)
	}
	return nil
}
