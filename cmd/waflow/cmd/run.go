package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/drblury/waflow/internal/runtime"
	"github.com/drblury/waflow/internal/runtime/logging"
	"github.com/drblury/waflow/internal/runtime/tracing"
)

const shutdownTimeout = 30 * time.Second

func (a *app) runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the bridge and block until it stops",
		Long:  "Connect to the broker and the WAHA session, then bridge messages until SIGINT or SIGTERM.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd.Context())
		},
	}
}

func (a *app) run(ctx context.Context) error {
	conf, err := a.loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(conf, a.stderr)
	if err != nil {
		return err
	}
	logger.Debug("Loaded configuration", logging.LogFields{"config": conf.String()})

	tp, err := tracing.Setup(ctx, tracing.Config{
		Enabled:        conf.TracingEnabled,
		ServiceName:    "waflow",
		ServiceVersion: Version,
		Exporter:       conf.TracingExporter,
		Endpoint:       conf.TracingEndpoint,
		SampleRate:     conf.TracingSampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to flush traces", err, nil)
		}
	}()

	client, err := a.newChatClient(conf, logger)
	if err != nil {
		return fmt.Errorf("failed to create chat client: %w", err)
	}
	rt, err := runtime.New(conf, logger, client, a.deps)
	if err != nil {
		return err
	}

	rt.AttachSignals()
	defer rt.DetachSignals()

	if err := rt.Start(ctx); err != nil {
		return err
	}

	select {
	case <-rt.Done():
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rt.Stop(stopCtx); err != nil {
			return err
		}
	}
	logger.Info("Bridge stopped", nil)
	return nil
}
