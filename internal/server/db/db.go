// Package db manages the database connection, migrations, and the gorm
// models for the orchestrator. Supported backends are SQLite (through the
// modernc pure-Go driver, no CGO) and PostgreSQL; the embedded SQL
// migrations are applied on every startup before the connection is handed
// to the repositories.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// Registers the modernc pure-Go driver as "sqlite" in database/sql.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds everything needed to open a database connection.
type Config struct {
	Driver   string // "sqlite" (default) or "postgres"
	DSN      string
	Logger   *zap.Logger
	LogLevel gormlogger.LogLevel

	// MaxOpenConns sizes the postgres pool for the concurrent API load.
	// Ignored for sqlite, which is pinned to a single writer connection.
	MaxOpenConns int

	// SlowQueryThreshold flags statements slower than this; zero picks the
	// default, negative disables the check.
	SlowQueryThreshold time.Duration
}

// New opens the database, applies pending migrations, and returns the
// ready-to-use *gorm.DB.
func New(cfg Config) (*gorm.DB, error) {
	if cfg.Logger == nil {
		return nil, errors.New("db: logger is required")
	}
	gormCfg := &gorm.Config{
		Logger: newGormLogger(cfg.Logger, cfg.LogLevel, cfg.SlowQueryThreshold),
	}

	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite"
	}

	var (
		gdb *gorm.DB
		err error
	)
	switch driver {
	case "sqlite":
		gdb, err = openSQLite(cfg.DSN, gormCfg)
	case "postgres":
		gdb, err = openPostgres(cfg, gormCfg)
	default:
		return nil, fmt.Errorf("db: unknown driver %q (want sqlite or postgres)", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	pool, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("db: unwrapping sql.DB: %w", err)
	}
	if err := migrateUp(pool, driver); err != nil {
		return nil, err
	}
	cfg.Logger.Info("database schema up to date", zap.String("driver", driver))

	return gdb, nil
}

// openSQLite opens the file through database/sql with the modernc driver
// and hands the existing pool to gorm's sqlite dialector, so the CGO driver
// the dialector would otherwise open is never touched.
func openSQLite(dsn string, gormCfg *gorm.Config) (*gorm.DB, error) {
	pool, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("db: opening sqlite %q: %w", dsn, err)
	}
	// One writer at a time is all sqlite supports.
	pool.SetMaxOpenConns(1)

	gdb, err := gorm.Open(gormsqlite.Dialector{Conn: pool}, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("db: attaching gorm to sqlite: %w", err)
	}
	return gdb, nil
}

// openPostgres opens the connection through gorm's postgres driver and
// sizes the pool for the concurrent API load.
func openPostgres(cfg Config, gormCfg *gorm.Config) (*gorm.DB, error) {
	gdb, err := gorm.Open(gormpostgres.Open(cfg.DSN), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("db: opening postgres: %w", err)
	}

	pool, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("db: unwrapping sql.DB: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	pool.SetMaxOpenConns(maxOpen)
	pool.SetMaxIdleConns(maxOpen / 5)
	pool.SetConnMaxLifetime(30 * time.Minute)
	return gdb, nil
}

// migrateUp applies all pending up-migrations from the embedded SQL files.
// An already-current schema is success.
func migrateUp(pool *sql.DB, driver string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("db: reading embedded migrations: %w", err)
	}

	var target database.Driver
	switch driver {
	case "sqlite":
		target, err = migratesqlite.WithInstance(pool, &migratesqlite.Config{})
	case "postgres":
		target, err = migratepg.WithInstance(pool, &migratepg.Config{})
	}
	if err != nil {
		return fmt.Errorf("db: preparing %s migration target: %w", driver, err)
	}

	m, err := migrate.NewWithInstance("iofs", src, driver, target)
	if err != nil {
		return fmt.Errorf("db: building migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("db: applying migrations: %w", err)
	}
	return nil
}

// Ping reports whether the underlying connection is still alive; the
// health endpoint calls this with a short deadline.
func Ping(ctx context.Context, gdb *gorm.DB) error {
	pool, err := gdb.DB()
	if err != nil {
		return fmt.Errorf("db: unwrapping sql.DB: %w", err)
	}
	return pool.PingContext(ctx)
}
