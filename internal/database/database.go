package database

import (
	"embed"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sumire-labs/poolkeeper/internal/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the gorm handle so callers can close the underlying pool.
type DB struct {
	*gorm.DB
	url string
}

// Connect opens the account store. postgres:// URLs use the postgres
// driver; anything else is treated as a sqlite file path (optionally
// prefixed sqlite://) for local runs.
func Connect(databaseURL string) (*DB, error) {
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		dialector = postgres.Open(databaseURL)
	default:
		dialector = sqlite.Open(strings.TrimPrefix(databaseURL, "sqlite://"))
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &DB{DB: db, url: databaseURL}, nil
}

// Close releases the underlying connection pool.
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RunMigrations brings the schema up to date. Postgres uses the embedded
// SQL migrations; sqlite auto-migrates from the models.
func RunMigrations(db *DB) error {
	if strings.HasPrefix(db.url, "postgres://") || strings.HasPrefix(db.url, "postgresql://") {
		src, err := iofs.New(migrationsFS, "migrations")
		if err != nil {
			return fmt.Errorf("failed to load migrations: %w", err)
		}
		m, err := migrate.NewWithSourceInstance("iofs", src, db.url)
		if err != nil {
			return fmt.Errorf("failed to init migrations: %w", err)
		}
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		return nil
	}
	if err := db.AutoMigrate(&models.Account{}, &models.TaskRecord{}); err != nil {
		return fmt.Errorf("failed to auto-migrate: %w", err)
	}
	return nil
}
