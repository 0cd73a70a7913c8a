package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dsyorkd/hydro-controller/internal/errors"
	"github.com/dsyorkd/hydro-controller/internal/logger"
	"github.com/dsyorkd/hydro-controller/internal/migrations"
	"github.com/dsyorkd/hydro-controller/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "State store schema commands",
	Long:  `Manage the sqlite state store schema. The bolt driver has no schema.`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Run pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(m *migrations.Migrator, log logger.Interface) error {
			log.Info("Running state store migrations")
			if err := m.Up(); err != nil {
				return errors.Wrapf(err, "failed to run migrations")
			}
			log.Info("Migrations completed")
			return nil
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Rollback the last migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(m *migrations.Migrator, log logger.Interface) error {
			if err := m.Down(); err != nil {
				return errors.Wrapf(err, "failed to rollback migration")
			}
			log.Info("Migration rolled back")
			return nil
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(m *migrations.Migrator, log logger.Interface) error {
			statuses, err := m.Status()
			if err != nil {
				return errors.Wrapf(err, "failed to get migration status")
			}
			if len(statuses) == 0 {
				fmt.Println("No migrations found")
				return nil
			}

			fmt.Println("Migration Status:")
			fmt.Println("=================")
			for _, status := range statuses {
				statusStr := "PENDING"
				appliedAt := ""
				if status.Applied {
					statusStr = "APPLIED"
					if status.AppliedAt != nil {
						appliedAt = fmt.Sprintf(" (applied at %s)", status.AppliedAt.Format("2006-01-02 15:04:05"))
					}
				}
				fmt.Printf("%-15s %s - %s%s\n", status.ID, statusStr, status.Description, appliedAt)
			}
			return nil
		})
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)
	rootCmd.AddCommand(migrateCmd)
}

func withMigrator(fn func(*migrations.Migrator, logger.Interface) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Store.Driver != storage.DriverSQLite {
		return fmt.Errorf("migrations only apply to the %s driver, store uses %s", storage.DriverSQLite, cfg.Store.Driver)
	}

	db, err := storage.OpenGorm(&cfg.Store, log)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return errors.Wrapf(err, "failed to get underlying sql.DB")
	}
	defer sqlDB.Close()

	m := migrations.NewMigrator(db, log)
	if err := m.ValidateMigrationOrder(); err != nil {
		return errors.Wrapf(err, "migration validation failed")
	}
	return fn(m, log)
}
