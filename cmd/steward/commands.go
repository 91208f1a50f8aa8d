package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dlowe/steward/internal/config"
	"github.com/dlowe/steward/internal/storage"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the steward server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv, err := buildServer(cfg, slog.Default())
			if err != nil {
				return fmt.Errorf("build server: %w", err)
			}
			if err := srv.Start(ctx); err != nil {
				return fmt.Errorf("start server: %w", err)
			}

			<-ctx.Done()
			slog.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Stop(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "steward.yaml", "path to the configuration file")
	return cmd
}

func buildMigrateCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database schema migrations (CockroachDB/Postgres only)",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "steward.yaml", "path to the configuration file")

	openMigrator := func() (*storage.Migrator, *sql.DB, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load config: %w", err)
		}
		if cfg.Database.Driver != "postgres" {
			return nil, nil, fmt.Errorf("migrate is only meaningful for driver %q, got %q", "postgres", cfg.Database.Driver)
		}
		db, err := sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		migrator, err := storage.NewMigrator(db)
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("new migrator: %w", err)
		}
		return migrator, db, nil
	}

	root.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, db, err := openMigrator()
			if err != nil {
				return err
			}
			defer db.Close()
			applied, err := migrator.Up(cmd.Context(), 0)
			if err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			for _, id := range applied {
				fmt.Printf("applied %s\n", id)
			}
			if len(applied) == 0 {
				fmt.Println("already up to date")
			}
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recently applied migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, db, err := openMigrator()
			if err != nil {
				return err
			}
			defer db.Close()
			reverted, err := migrator.Down(cmd.Context(), 1)
			if err != nil {
				return fmt.Errorf("migrate down: %w", err)
			}
			for _, id := range reverted {
				fmt.Printf("reverted %s\n", id)
			}
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, db, err := openMigrator()
			if err != nil {
				return err
			}
			defer db.Close()
			applied, pending, err := migrator.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("migrate status: %w", err)
			}
			fmt.Println("applied:")
			for _, m := range applied {
				fmt.Printf("  %s (%s)\n", m.ID, m.AppliedAt.Format(time.RFC3339))
			}
			fmt.Println("pending:")
			for _, m := range pending {
				fmt.Printf("  %s\n", m.ID)
			}
			return nil
		},
	})

	return root
}

func buildStatusCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print a summary of steward's configuration and channel health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			srv, err := buildServer(cfg, slog.Default())
			if err != nil {
				return fmt.Errorf("build server: %w", err)
			}
			defer srv.Stop(context.Background())

			fmt.Printf("steward %s\n", cmd.Root().Version)
			fmt.Printf("database driver: %s\n", cfg.Database.Driver)
			fmt.Printf("llm provider: %s\n", cfg.LLM.DefaultProvider)
			fmt.Println("channels:")
			for channel, health := range srv.registry.HealthAdapters() {
				status := health.HealthCheck(cmd.Context())
				fmt.Printf("  %-12s healthy=%v\n", channel, status.Healthy)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "steward.yaml", "path to the configuration file")
	return cmd
}
