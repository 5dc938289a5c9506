package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"chat-sync/internal/config"
	"chat-sync/internal/logging"
	"chat-sync/internal/observability"
	"chat-sync/internal/server"
)

func main() {
	var (
		configPath string
		cfg        config.Config
	)

	root := &cobra.Command{
		Use:           "chat-sync",
		Short:         "Real-time chat synchronization client and reference backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level, _ = cmd.Flags().GetString("log-level")
			}
			logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the YAML config file")
	root.PersistentFlags().String("log-level", "", "override log.level (trace, debug, info, warn, error)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference chat backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTracing(cmd.Context(), cfg, func(ctx context.Context) error {
				return server.Serve(ctx, cfg)
			})
		},
	}

	root.AddCommand(serve, newConnectCommand(&cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("chat-sync failed")
		stop()
		os.Exit(1)
	}
}

func withTracing(ctx context.Context, cfg config.Config, run func(context.Context) error) error {
	shutdown, err := observability.InitTracing(ctx, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Warn().Err(err).Msg("tracing shutdown")
		}
	}()
	return run(ctx)
}
