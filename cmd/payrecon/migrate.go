package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/ManuelReschke/PayRecon/internal/pkg/env"
	"github.com/gofiber/fiber/v2/log"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "migrate [up|down|goto N|status]",
		Short: "Apply SQL schema migrations",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env.SetupEnvFile()

			dbURL := fmt.Sprintf("mysql://%s:%s@tcp(%s:%s)/%s?multiStatements=true",
				env.GetEnv("DB_USER", "payrecon"),
				env.GetEnv("DB_PASSWORD", "payrecon"),
				env.GetEnv("DB_HOST", "db"),
				env.GetEnv("DB_PORT", "3306"),
				env.GetEnv("DB_NAME", "payrecon_db"),
			)
			log.Infof("[Migrate] Connecting to %s@%s:%s/%s",
				env.GetEnv("DB_USER", "payrecon"),
				env.GetEnv("DB_HOST", "db"),
				env.GetEnv("DB_PORT", "3306"),
				env.GetEnv("DB_NAME", "payrecon_db"),
			)

			m, err := migrate.New(source, dbURL)
			if err != nil {
				return fmt.Errorf("initializing migrations: %w", err)
			}
			defer func() {
				if sourceErr, dbErr := m.Close(); sourceErr != nil || dbErr != nil {
					log.Warnf("[Migrate] closing resources: %v, %v", sourceErr, dbErr)
				}
			}()

			return runMigration(m, args)
		},
	}

	cmd.Flags().StringVar(&source, "source", "file://migrations", "migration source URL")
	return cmd
}

func runMigration(m *migrate.Migrate, args []string) error {
	switch args[0] {
	case "up":
		err := m.Up()
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("[Migrate] No change: schema is up to date")
			return nil
		}
		if err != nil {
			return fmt.Errorf("applying migrations: %w", err)
		}
		log.Info("[Migrate] Migrations applied")

	case "down":
		if err := m.Steps(-1); err != nil {
			return fmt.Errorf("rolling back last migration: %w", err)
		}
		log.Info("[Migrate] Rolled back last migration")

	case "goto":
		if len(args) < 2 {
			return errors.New("goto needs a version number")
		}
		version, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version: %w", err)
		}
		err = m.Migrate(uint(version))
		if errors.Is(err, migrate.ErrNoChange) {
			log.Infof("[Migrate] No change: already at version %d", version)
			return nil
		}
		if err != nil {
			return fmt.Errorf("migrating to version %d: %w", version, err)
		}
		log.Infof("[Migrate] Migrated to version %d", version)

	case "status":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Info("[Migrate] No migrations applied yet")
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading version: %w", err)
		}
		suffix := ""
		if dirty {
			suffix = " (dirty)"
		}
		log.Infof("[Migrate] Current version: %d%s", version, suffix)

	default:
		return fmt.Errorf("unknown migrate command %q", args[0])
	}
	return nil
}
