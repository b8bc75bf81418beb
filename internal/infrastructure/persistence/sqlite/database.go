// Package sqlite is the embedded store of the progress engine: gorm over the
// pure-Go SQLite driver. It backs single-binary deployments and the tests of
// the application layer.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const latestSchemaVersion = 1

// Database wraps the gorm handle.
type Database struct {
	DB            *gorm.DB
	SchemaVersion int
}

// Open opens (creating if needed) the database file and migrates it.
func Open(path string, log *slog.Logger) (*Database, error) {
	if log == nil {
		log = slog.Default()
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := configureDB(db); err != nil {
		return nil, err
	}

	d := &Database{DB: db}
	if err := migrateWithVersion(db, d); err != nil {
		return nil, err
	}

	log.Info("sqlite store ready", "path", path, "schema_version", d.SchemaVersion)
	return d, nil
}

// OpenInMemory opens a private in-memory database. Every call gets its own
// database; the pool is pinned to one connection so all queries see it.
func OpenInMemory() (*Database, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open in-memory sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	d := &Database{DB: db}
	if err := migrateWithVersion(db, d); err != nil {
		return nil, err
	}
	return d, nil
}

func configureDB(db *gorm.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if err := db.Exec(pragma).Error; err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&activityRow{},
		&annotationRow{},
		&achievementRow{},
		&unlockRow{},
		&challengeRow{},
		&progressRow{},
		&settingsRow{},
		&accountRow{},
		&creditRow{},
	)
}

// migrateWithVersion runs AutoMigrate behind a schema version gate.
func migrateWithVersion(db *gorm.DB, out *Database) error {
	if err := db.AutoMigrate(&schemaMeta{}); err != nil {
		return fmt.Errorf("create schema_meta: %w", err)
	}

	var meta schemaMeta
	err := db.First(&meta, 1).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("read schema_meta: %w", err)
		}
		meta = schemaMeta{ID: 1}
		if err := db.Create(&meta).Error; err != nil {
			return fmt.Errorf("init schema_meta: %w", err)
		}
	}

	out.SchemaVersion = meta.SchemaVersion
	if meta.SchemaVersion > latestSchemaVersion {
		return fmt.Errorf("schema_version %d is newer than supported %d", meta.SchemaVersion, latestSchemaVersion)
	}
	if meta.SchemaVersion == latestSchemaVersion {
		return nil
	}

	if err := autoMigrate(db); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}

	meta.SchemaVersion = latestSchemaVersion
	if err := db.Save(&meta).Error; err != nil {
		return fmt.Errorf("write schema_meta: %w", err)
	}
	out.SchemaVersion = latestSchemaVersion
	return nil
}

// Ping checks the underlying connection.
func (d *Database) Ping(ctx context.Context) error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection.
func (d *Database) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}
