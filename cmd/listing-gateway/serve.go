package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/listing-gateway/pkg/gateway"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(cmd)
			if err != nil {
				return err
			}
			path, _ := cmd.Flags().GetString("config")

			gw, err := gateway.New(
				gateway.WithLogger(logger),
				gateway.WithFileConfig(path),
			)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := gw.Start(ctx); err != nil {
				_ = gw.Shutdown(context.Background())
				return err
			}

			<-ctx.Done()
			logger.Info("shutdown signal received, stopping gateway")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), gw.Config().Server.ShutdownTimeout)
			defer cancel()
			if err := gw.Shutdown(shutdownCtx); err != nil {
				logger.Error("shutdown error", slog.String("error", err.Error()))
				return err
			}
			return nil
		},
	}
}
