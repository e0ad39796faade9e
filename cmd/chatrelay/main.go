// Command chatrelay relays Telegram chat traffic through a durable job queue.
//
// Subcommands:
//
//	serve           HTTP webhook endpoint + response workers (default for production)
//	worker          response workers only
//	poll            getUpdates long-polling + response workers (development, no public URL)
//	migrate         run pending polling-store migrations and exit
//	archive list    print archived polling-store messages
//	webhook set     register TELEGRAM_WEBHOOK_URL with Telegram
//	webhook delete  remove the registered webhook
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that
	// the Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/matipre/chatrelay/internal/api"
	"github.com/matipre/chatrelay/internal/config"
	"github.com/matipre/chatrelay/internal/telegram"
)

func main() {
	root := &cobra.Command{
		Use:   "chatrelay",
		Short: "chatrelay — Telegram to job-queue relay",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		pollCmd(),
		migrateCmd(),
		archiveCmd(),
		webhookCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig loads and validates config and installs the default logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook HTTP server and the response workers",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	rt, err := newRuntime(ctx, cfg, 0)
	if err != nil {
		return err
	}
	defer rt.close(cfg)

	if err := rt.workers.Start(ctx); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}

	apiSrv := api.NewServer(rt.processor, api.Options{
		WebhookSecret:     cfg.TelegramWebhookSecret,
		WebhookRate:       rate.Limit(cfg.WebhookRateLimit),
		WebhookBurst:      cfg.WebhookRateBurst,
		RateLimitEvictTTL: cfg.RateLimitEvictTTL,
	})
	defer apiSrv.Close()
	rt.registerHealthChecks(apiSrv)

	// Explicit timeouts to prevent Slowloris attacks.
	srv := &http.Server{ //nolint:exhaustruct // WriteTimeout left to the handlers
		Addr:              cfg.ListenAddr,
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server started", "addr", cfg.ListenAddr, "queue_backend", cfg.QueueBackend)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		stop() // release signal notification
	}

	slog.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
	shutdownCtx, cancel := shutdownContext(cfg)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	if err := rt.workers.Stop(shutdownCtx); err != nil {
		slog.Warn("stop workers", "error", err)
	}
	slog.Info("server stopped")
	return nil
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the response workers only (no HTTP server)",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	rt, err := newRuntime(ctx, cfg, 0)
	if err != nil {
		return err
	}
	defer rt.close(cfg)

	if err := rt.workers.Start(ctx); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}
	slog.Info("worker started", "queue_backend", cfg.QueueBackend, "queue", cfg.ResponseQueue)

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := shutdownContext(cfg)
	defer cancel()
	if err := rt.workers.Stop(shutdownCtx); err != nil {
		slog.Warn("stop workers", "error", err)
	}
	slog.Info("worker stopped")
	return nil
}

// ── poll ──────────────────────────────────────────────────────────────────────

func pollCmd() *cobra.Command {
	var longPoll time.Duration
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Pull updates with getUpdates instead of a webhook, and run the response workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPoll(cmd, longPoll)
		},
	}
	cmd.Flags().DurationVar(&longPoll, "long-poll", 0, "getUpdates timeout; 0 polls without holding the request open")
	return cmd
}

func runPoll(cmd *cobra.Command, longPoll time.Duration) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	rt, err := newRuntime(ctx, cfg, longPoll)
	if err != nil {
		return err
	}
	defer rt.close(cfg)

	// getUpdates is refused while a webhook is registered.
	if err := rt.telegram.DeleteWebhook(ctx); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}

	if err := rt.workers.Start(ctx); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}

	poller := telegram.NewPoller(rt.telegram, rt.processor, telegram.PollerConfig{LongPoll: longPoll})
	_ = poller.Run(ctx) // returns once ctx is cancelled
	stop()

	shutdownCtx, cancel := shutdownContext(cfg)
	defer cancel()
	if err := rt.workers.Stop(shutdownCtx); err != nil {
		slog.Warn("stop workers", "error", err)
	}
	slog.Info("poller stopped", "last_update_id", poller.LastUpdateID())
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

func shutdownContext(cfg *config.Config) (context.Context, context.CancelFunc) {
	return context.WithTimeout(
		context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
	)
}

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
