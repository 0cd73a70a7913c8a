package migrations

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/dsyorkd/hydro-controller/internal/logger"
)

// Migration is a row in the schema_migrations table
type Migration struct {
	ID          string    `gorm:"primaryKey"`
	AppliedAt   time.Time `gorm:"not null"`
	Description string    `gorm:"not null"`
}

// TableName keeps the bookkeeping table out of the state namespace
func (Migration) TableName() string {
	return "schema_migrations"
}

// MigrationFunc represents a migration function
type MigrationFunc func(*gorm.DB) error

// MigrationDefinition represents a single migration with up and down functions
type MigrationDefinition struct {
	ID          string
	Description string
	Up          MigrationFunc
	Down        MigrationFunc
}

// MigrationStatus represents the status of a migration
type MigrationStatus struct {
	ID          string
	Description string
	Applied     bool
	AppliedAt   *time.Time
}

// Migrator applies the state store schema
type Migrator struct {
	db         *gorm.DB
	logger     logger.Interface
	migrations []MigrationDefinition
}

// NewMigrator creates a new migration manager
func NewMigrator(db *gorm.DB, logger logger.Interface) *Migrator {
	return NewMigratorWith(db, logger, getAllMigrations())
}

// NewMigratorWith creates a migrator over an explicit migration list
func NewMigratorWith(db *gorm.DB, logger logger.Interface, migrations []MigrationDefinition) *Migrator {
	sorted := make([]MigrationDefinition, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ID < sorted[j].ID
	})

	return &Migrator{
		db:         db,
		logger:     logger.WithField("component", "migrator"),
		migrations: sorted,
	}
}

// EnsureMigrationTable creates the migrations table if it doesn't exist
func (m *Migrator) EnsureMigrationTable() error {
	if err := m.db.AutoMigrate(&Migration{}); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}
	return nil
}

func (m *Migrator) applied() (map[string]Migration, error) {
	if err := m.EnsureMigrationTable(); err != nil {
		return nil, err
	}

	var rows []Migration
	if err := m.db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	applied := make(map[string]Migration, len(rows))
	for _, row := range rows {
		applied[row.ID] = row
	}
	return applied, nil
}

// Up runs all pending migrations
func (m *Migrator) Up() error {
	pending, err := m.GetPendingMigrations()
	if err != nil {
		return err
	}

	for _, migration := range pending {
		m.logger.Info("Applying migration", "id", migration.ID, "description", migration.Description)

		err := m.db.Transaction(func(tx *gorm.DB) error {
			if err := migration.Up(tx); err != nil {
				return fmt.Errorf("migration %s failed: %w", migration.ID, err)
			}

			record := Migration{
				ID:          migration.ID,
				AppliedAt:   time.Now().UTC(),
				Description: migration.Description,
			}
			if err := tx.Create(&record).Error; err != nil {
				return fmt.Errorf("failed to record migration %s: %w", migration.ID, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	if len(pending) > 0 {
		m.logger.Info("Migrations applied", "count", len(pending))
	}
	return nil
}

// Down rolls back the last migration
func (m *Migrator) Down() error {
	if err := m.EnsureMigrationTable(); err != nil {
		return err
	}

	var last Migration
	if err := m.db.Order("id DESC").First(&last).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			m.logger.Info("No migrations to roll back")
			return nil
		}
		return fmt.Errorf("failed to get last migration: %w", err)
	}

	var def *MigrationDefinition
	for i := range m.migrations {
		if m.migrations[i].ID == last.ID {
			def = &m.migrations[i]
			break
		}
	}
	if def == nil {
		return fmt.Errorf("migration definition not found for ID: %s", last.ID)
	}

	m.logger.Info("Rolling back migration", "id", def.ID, "description", def.Description)

	return m.db.Transaction(func(tx *gorm.DB) error {
		if err := def.Down(tx); err != nil {
			return fmt.Errorf("rollback for migration %s failed: %w", def.ID, err)
		}
		if err := tx.Delete(&Migration{}, "id = ?", def.ID).Error; err != nil {
			return fmt.Errorf("failed to remove migration record %s: %w", def.ID, err)
		}
		return nil
	})
}

// Status shows the current migration status
func (m *Migrator) Status() ([]MigrationStatus, error) {
	applied, err := m.applied()
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(m.migrations))
	for _, migration := range m.migrations {
		status := MigrationStatus{
			ID:          migration.ID,
			Description: migration.Description,
		}
		if row, ok := applied[migration.ID]; ok {
			appliedAt := row.AppliedAt
			status.Applied = true
			status.AppliedAt = &appliedAt
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// ValidateMigrationOrder validates that migration IDs are properly ordered
func (m *Migrator) ValidateMigrationOrder() error {
	seen := make(map[string]bool)
	for _, migration := range m.migrations {
		if len(migration.ID) != 14 {
			return fmt.Errorf("migration ID %s must be 14 characters (YYYYMMDDHHMMSS)", migration.ID)
		}
		if _, err := strconv.ParseInt(migration.ID, 10, 64); err != nil {
			return fmt.Errorf("migration ID %s must be numeric timestamp (YYYYMMDDHHMMSS)", migration.ID)
		}
		if seen[migration.ID] {
			return fmt.Errorf("duplicate migration ID: %s", migration.ID)
		}
		seen[migration.ID] = true
	}
	return nil
}

// GetPendingMigrations returns a list of migrations that haven't been applied
func (m *Migrator) GetPendingMigrations() ([]MigrationDefinition, error) {
	applied, err := m.applied()
	if err != nil {
		return nil, err
	}

	var pending []MigrationDefinition
	for _, migration := range m.migrations {
		if _, ok := applied[migration.ID]; !ok {
			pending = append(pending, migration)
		}
	}
	return pending, nil
}
