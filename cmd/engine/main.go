// Command ringwatch runs the coordinated-abuse detection engine: the admin
// API with the batch scheduler (serve), a single batch job (run), or the
// schema migration (migrate).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rawblock/ringwatch/internal/api"
	"github.com/rawblock/ringwatch/internal/config"
	"github.com/rawblock/ringwatch/internal/db"
	"github.com/rawblock/ringwatch/internal/observability"
	"github.com/rawblock/ringwatch/internal/scheduler"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

const shutdownTimeout = 15 * time.Second

var (
	cfgFile string
	cfg     *config.Config
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		observability.GetLogger().Error("Command failed", zap.Error(err))
		observability.Sync()
		os.Exit(1)
	}
	observability.Sync()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ringwatch",
		Short:         "Coordinated-abuse detection engine: collusion rings, spam clusters, cases and enforcement.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(viper.New(), cfgFile)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "ringwatch"})
				return err
			}
			cfg = loaded
			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Info("Starting ringwatch", zap.String("version", Version), zap.String("command", cmd.Name()))
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	root.AddCommand(newServeCmd(), newRunCmd(), newMigrateCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API and the batch scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, observability.GetLogger())
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	hub := api.NewHub(cfg.Server.AllowedOrigins, logger)
	e, err := buildEngine(ctx, cfg, logger, hub.BroadcastAlert)
	if err != nil {
		return err
	}
	defer e.Close()

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           api.SetupRouter(cfg.Server, cfg.Cases.QueueLimit, e.apiDeps(hub), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return e.scheduler.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("Engine listening", zap.String("addr", srv.Addr), zap.Bool("scheduler", cfg.Scheduler.Enabled))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("Shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown incomplete", zap.Error(err))
		}
		if err := e.alerts.Wait(shutdownCtx); err != nil {
			logger.Warn("Webhook deliveries still in flight", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "run <job>",
		Short:     "Run one batch job to completion and print its report",
		Long:      "Jobs: decay, rings, spam, sweep, retention.",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: scheduler.JobNames,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := observability.GetLogger()
			e, err := buildEngine(ctx, cfg, logger, nil)
			if err != nil {
				return err
			}
			defer e.Close()

			report, err := e.scheduler.RunNow(ctx, args[0])
			if report != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(report); encErr != nil {
					logger.Warn("Failed to print report", zap.Error(encErr))
				}
			}
			waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = e.alerts.Wait(waitCtx)
			return err
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded PostgreSQL schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Database.URL == "" {
				return errors.New("database.url (or DATABASE_URL) is required for migrate")
			}
			store, err := db.Connect(cmd.Context(), cfg.Database, observability.GetLogger())
			if err != nil {
				return err
			}
			defer store.Close()
			return store.InitSchema(cmd.Context())
		},
	}
}
