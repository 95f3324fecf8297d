package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/velesio/atrium/internal/api"
	"github.com/velesio/atrium/internal/config"
	"github.com/velesio/atrium/internal/coordinator"
	"github.com/velesio/atrium/internal/logging"
	"github.com/velesio/atrium/internal/metrics"
	"github.com/velesio/atrium/internal/observability"
	"github.com/velesio/atrium/internal/store"
)

func daemonCmd() *cobra.Command {
	var (
		httpAddr string
		logLevel string
		tick     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the coordinator and web API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configPath != "" {
				loaded, err := config.LoadFromFile(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			config.LoadFromEnv(cfg)

			if pgDSN != "" {
				cfg.Postgres.DSN = pgDSN
			}
			if httpAddr != "" {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if logLevel != "" {
				cfg.Daemon.LogLevel = logLevel
			}
			if tick > 0 {
				cfg.Coordinator.TickInterval = tick
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)
			if path := cfg.Observability.Logging.TransitionLog; path != "" {
				if err := logging.Transitions().SetOutput(path); err != nil {
					return err
				}
				defer logging.Transitions().Close()
			}

			ctx := context.Background()
			if err := observability.Init(ctx, cfg.Observability.Tracing); err != nil {
				return err
			}
			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace)
			}

			pgStore, err := store.NewPostgresStore(ctx, cfg.Postgres.DSN)
			if err != nil {
				return err
			}
			var s store.Store = pgStore
			if cfg.Redis.Addr != "" {
				cached, err := store.NewCachedTagStore(pgStore, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, store.DefaultTagCacheTTL)
				if err != nil {
					return err
				}
				s = cached
			}
			defer s.Close()

			coord := coordinator.New(s,
				coordinator.WithTickInterval(cfg.Coordinator.TickInterval),
				coordinator.WithEngineOptions(
					coordinator.WithPollInterval(cfg.Coordinator.PollInterval),
				),
			)
			if cfg.Coordinator.Autostart {
				coord.Start(ctx)
			} else {
				logging.Op().Info("coordinator autostart disabled")
			}

			httpServer := api.StartHTTPServer(cfg.Daemon.HTTPAddr, api.ServerConfig{
				Store:       s,
				Coordinator: coord,
			})

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			api.Shutdown(shutdownCtx, httpServer)
			coord.Stop()
			observability.Shutdown(shutdownCtx)
			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level")
	cmd.Flags().DurationVar(&tick, "tick", 0, "Control loop tick interval")

	return cmd
}
