package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cupcake/internal/app"
)

var (
	stopTimeout time.Duration

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the web API, state feed and health monitor",
		RunE:  serve,
	}
)

func init() {
	serveCmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 15*time.Second, "upper bound for graceful shutdown")
}

func serve(cmd *cobra.Command, args []string) error {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.NewApp(cfgFile)
	if err != nil {
		return fmt.Errorf("fatal: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("fatal start: %w", err)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	stopErr := a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil {
		return err
	}
	if stopErr != nil && !errors.Is(stopErr, context.Canceled) {
		return stopErr
	}
	return nil
}
