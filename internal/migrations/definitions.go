package migrations

import (
	"gorm.io/gorm"
)

// getAllMigrations returns all migration definitions in chronological order
func getAllMigrations() []MigrationDefinition {
	return []MigrationDefinition{
		{
			ID:          "20250301000001",
			Description: "Create state_records table",
			Up:          createStateRecordsTable,
			Down:        dropStateRecordsTable,
		},
		{
			ID:          "20250301000002",
			Description: "Add encoding column to state_records",
			Up:          addStateEncodingColumn,
			Down:        dropStateEncodingColumn,
		},
		{
			ID:          "20250301000003",
			Description: "Index state_records by update time",
			Up:          addStateUpdatedIndex,
			Down:        dropStateUpdatedIndex,
		},
	}
}

// createStateRecordsTable creates the key/value state table
func createStateRecordsTable(db *gorm.DB) error {
	sql := `
	CREATE TABLE IF NOT EXISTS state_records (
		"key" TEXT PRIMARY KEY NOT NULL,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`
	return db.Exec(sql).Error
}

func dropStateRecordsTable(db *gorm.DB) error {
	return db.Exec(`DROP TABLE IF EXISTS state_records;`).Error
}

// addStateEncodingColumn records whether a value is a raw string or JSON.
// Rows written before this migration were always JSON.
func addStateEncodingColumn(db *gorm.DB) error {
	return db.Exec(`ALTER TABLE state_records ADD COLUMN encoding TEXT NOT NULL DEFAULT 'json';`).Error
}

func dropStateEncodingColumn(db *gorm.DB) error {
	return db.Exec(`ALTER TABLE state_records DROP COLUMN encoding;`).Error
}

func addStateUpdatedIndex(db *gorm.DB) error {
	return db.Exec(`CREATE INDEX IF NOT EXISTS idx_state_records_updated_at ON state_records(updated_at);`).Error
}

func dropStateUpdatedIndex(db *gorm.DB) error {
	return db.Exec(`DROP INDEX IF EXISTS idx_state_records_updated_at;`).Error
}
