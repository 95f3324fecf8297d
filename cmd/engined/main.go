package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/velesio/atrium/internal/config"
	"github.com/velesio/atrium/internal/engine"
	"github.com/velesio/atrium/internal/engine/proxmoxve"
	"github.com/velesio/atrium/internal/logging"
	"github.com/velesio/atrium/internal/metrics"
	"github.com/velesio/atrium/internal/observability"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "engined",
		Short: "Engined - Proxmox engine daemon",
		Long:  "Exposes a Proxmox VE node to the coordinator as a JSON-RPC 2.0 endpoint at /api/v1",
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		listenAddr string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the engine RPC endpoint",
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

			if listenAddr != "" {
				cfg.Proxmox.ListenAddr = listenAddr
			}
			if logLevel != "" {
				cfg.Daemon.LogLevel = logLevel
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			ctx := context.Background()
			tracing := cfg.Observability.Tracing
			tracing.ServiceName = "engined"
			if err := observability.Init(ctx, tracing); err != nil {
				return err
			}
			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus("engined")
			}

			adapter := proxmoxve.New(cfg.Proxmox)

			mux := http.NewServeMux()
			mux.Handle("POST /api/v1", engine.NewService(adapter))
			mux.Handle("GET /metrics", metrics.Handler())

			server := &http.Server{
				Addr:    cfg.Proxmox.ListenAddr,
				Handler: observability.HTTPMiddleware(mux),
			}
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logging.Op().Error("HTTP server error", "error", err)
				}
			}()
			logging.Op().Info("engine RPC listening", "addr", cfg.Proxmox.ListenAddr, "node", cfg.Proxmox.PrimaryNode)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logging.Op().Error("HTTP server shutdown failed", "error", err)
			}
			observability.Shutdown(shutdownCtx)
			return nil
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level")

	return cmd
}
