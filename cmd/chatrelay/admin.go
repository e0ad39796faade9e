// ABOUTME: One-shot admin subcommands: migrate, archive list, webhook set/delete.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/matipre/chatrelay/internal/config"
	"github.com/matipre/chatrelay/internal/store"
	"github.com/matipre/chatrelay/internal/telegram"
	"github.com/matipre/chatrelay/migrations"
)

// loadAdminConfig loads config without the backend checks of loadConfig;
// admin subcommands check only the settings they use.
func loadAdminConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))
	return cfg, nil
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending polling-store migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := loadAdminConfig()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}

	slog.Info("running migrations")

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the same
	// driver is used project-wide.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{MultiStatementEnabled: true})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── archive ───────────────────────────────────────────────────────────────────

func archiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect messages the polling backend gave up on",
	}

	var (
		queueName string
		since     time.Duration
		limit     uint64
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "Print archived messages as JSON lines, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadAdminConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}
			db, err := newPool(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close()

			f := store.ArchiveFilter{Queue: queueName, Limit: limit}
			if since > 0 {
				f.Since = time.Now().Add(-since)
			}
			msgs, err := store.New(db).ListArchived(cmd.Context(), f)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			for _, m := range msgs {
				if err := enc.Encode(m); err != nil {
					return err
				}
			}
			return nil
		},
	}
	list.Flags().StringVar(&queueName, "queue", "", "only messages from this queue")
	list.Flags().DurationVar(&since, "since", 0, "only messages archived within this window")
	list.Flags().Uint64Var(&limit, "limit", 50, "maximum number of messages")

	cmd.AddCommand(list)
	return cmd
}

// ── webhook ───────────────────────────────────────────────────────────────────

func webhookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Manage the Telegram webhook registration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set",
			Short: "Register TELEGRAM_WEBHOOK_URL (and TELEGRAM_WEBHOOK_SECRET) with Telegram",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, client, err := telegramClient()
				if err != nil {
					return err
				}
				if cfg.TelegramWebhookURL == "" {
					return errors.New("TELEGRAM_WEBHOOK_URL is required")
				}
				if err := client.SetWebhook(cmd.Context(), cfg.TelegramWebhookURL, cfg.TelegramWebhookSecret); err != nil {
					return err
				}
				slog.Info("webhook registered", "url", cfg.TelegramWebhookURL)
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete",
			Short: "Remove the registered webhook",
			RunE: func(cmd *cobra.Command, _ []string) error {
				_, client, err := telegramClient()
				if err != nil {
					return err
				}
				if err := client.DeleteWebhook(cmd.Context()); err != nil {
					return err
				}
				slog.Info("webhook deleted")
				return nil
			},
		},
	)
	return cmd
}

func telegramClient() (*config.Config, *telegram.Client, error) {
	cfg, err := loadAdminConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.TelegramBotToken == "" {
		return nil, nil, errors.New("TELEGRAM_BOT_TOKEN is required")
	}
	return cfg, telegram.NewClient(cfg.TelegramAPIURL, cfg.TelegramBotToken, telegram.BuildSafeClient(0), cfg.TelegramRateLimit), nil
}
