package storage

import (
	"context"
	"path/filepath"
	"time"
	"unicode/utf8"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dsyorkd/hydro-controller/internal/errors"
	"github.com/dsyorkd/hydro-controller/internal/logger"
	"github.com/dsyorkd/hydro-controller/internal/migrations"
)

// sqliteBackend keeps records in the state_records table
type sqliteBackend struct {
	db *gorm.DB
}

// sqliteDSN forces a full fsync on every commit
func sqliteDSN(path string) string {
	return path + "?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_txlock=immediate"
}

// OpenGorm opens the sqlite file without running migrations.
// The migrate command uses it to manage the schema explicitly.
func OpenGorm(config *Config, log logger.Interface) (*gorm.DB, error) {
	if err := ensureDirExists(filepath.Dir(config.Path)); err != nil {
		return nil, errors.Wrapf(err, "failed to create database directory")
	}

	db, err := gorm.Open(sqlite.Open(sqliteDSN(config.Path)), &gorm.Config{
		Logger: newGormLogAdapter(log.WithField("component", "database"), config.LogLevel),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get underlying sql.DB")
	}
	// One writer; the store lock already serializes access
	sqlDB.SetMaxOpenConns(1)

	return db, nil
}

func openSQLite(config *Config, log logger.Interface) (*sqliteBackend, error) {
	db, err := OpenGorm(config, log)
	if err != nil {
		return nil, err
	}

	migrator := migrations.NewMigrator(db, log)
	if err := migrator.ValidateMigrationOrder(); err != nil {
		return nil, errors.Wrapf(err, "migration validation failed")
	}
	if err := migrator.Up(); err != nil {
		return nil, errors.Wrapf(err, "failed to migrate database")
	}

	return &sqliteBackend{db: db}, nil
}

func (b *sqliteBackend) get(key string) (Record, bool, error) {
	var rec Record
	err := b.db.Where(`"key" = ?`, key).Take(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (b *sqliteBackend) put(rec Record) error {
	return b.db.Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "encoding", "updated_at"}),
		}).Create(&rec).Error
	})
}

func (b *sqliteBackend) scan(prefix string) ([]Record, error) {
	var records []Record
	err := b.db.
		Where(`substr("key", 1, ?) = ?`, utf8.RuneCountInString(prefix), prefix).
		Order(`"key"`).
		Find(&records).Error
	return records, err
}

func (b *sqliteBackend) remove(key string) error {
	return b.db.Transaction(func(tx *gorm.DB) error {
		return tx.Where(`"key" = ?`, key).Delete(&Record{}).Error
	})
}

func (b *sqliteBackend) close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// gormLogAdapter adapts our structured logger to GORM logger interface
type gormLogAdapter struct {
	logger logger.Interface
	level  gormlogger.LogLevel
}

func newGormLogAdapter(log logger.Interface, level string) *gormLogAdapter {
	adapter := &gormLogAdapter{logger: log}
	switch level {
	case "silent":
		adapter.level = gormlogger.Silent
	case "error":
		adapter.level = gormlogger.Error
	case "info":
		adapter.level = gormlogger.Info
	default:
		adapter.level = gormlogger.Warn
	}
	return adapter
}

func (g *gormLogAdapter) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	return &gormLogAdapter{logger: g.logger, level: level}
}

func (g *gormLogAdapter) Info(ctx context.Context, msg string, data ...interface{}) {
	if g.level >= gormlogger.Info {
		g.logger.Infof(msg, data...)
	}
}

func (g *gormLogAdapter) Warn(ctx context.Context, msg string, data ...interface{}) {
	if g.level >= gormlogger.Warn {
		g.logger.Warnf(msg, data...)
	}
}

func (g *gormLogAdapter) Error(ctx context.Context, msg string, data ...interface{}) {
	if g.level >= gormlogger.Error {
		g.logger.Errorf(msg, data...)
	}
}

func (g *gormLogAdapter) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= gormlogger.Silent {
		return
	}

	sql, rows := fc()
	fields := map[string]interface{}{
		"duration": time.Since(begin).String(),
		"rows":     rows,
		"sql":      sql,
	}

	switch {
	case err != nil && err != gorm.ErrRecordNotFound && g.level >= gormlogger.Error:
		g.logger.WithFields(fields).WithError(err).Error("Database query failed")
	case g.level >= gormlogger.Info:
		g.logger.WithFields(fields).Debug("Database query executed")
	}
}
