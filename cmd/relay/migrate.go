package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/coachpo/relay/internal/infra/config"
	"github.com/coachpo/relay/internal/infra/persistence/migrations"
)

const defaultMigrateTimeout = 30 * time.Second

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "migrate [up|down [steps]]",
		Short:     "Apply or roll back the PostgreSQL cursor store schema",
		Args:      cobra.RangeArgs(1, 2),
		ValidArgs: []string{"up", "down"},
		RunE:      runMigrate,
	}
	flags := cmd.Flags()
	flags.String("database", "", "PostgreSQL DSN (defaults to database.dsn from config)")
	flags.String("path", "", "Directory containing SQL migrations (defaults to the bundled set)")
	flags.Duration("timeout", defaultMigrateTimeout, "Maximum time to wait for database connectivity")
	return cmd
}

func runMigrate(cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd)
	dsn, _ := cmd.Flags().GetString("database")
	dir, _ := cmd.Flags().GetString("path")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	if strings.TrimSpace(dsn) == "" {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cmd.Context(), path)
		if err != nil {
			return fmt.Errorf("--database flag or a config file with database.dsn is required: %w", err)
		}
		dsn = cfg.Database.DSN
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	switch args[0] {
	case "up":
		return migrations.Apply(ctx, dsn, dir, logger)
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid down steps %q: %w", args[1], err)
			}
			steps = n
		}
		return migrations.Rollback(ctx, dsn, dir, steps, logger)
	default:
		return fmt.Errorf("unknown command %q (expected up or down)", args[0])
	}
}
