package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"

	"github.com/cfteam/coordinator/internal/database"
)

// =============================================================================
// Embedded Migration Files
// =============================================================================

//go:embed migrations/postgres/*.sql
var postgresFS embed.FS

//go:embed migrations/mysql/*.sql
var mysqlFS embed.FS

//go:embed migrations/sqlite/*.sql
var sqliteFS embed.FS

// =============================================================================
// Migrator
// =============================================================================

// Config holds the migrator configuration.
type Config struct {
	// Driver selects the dialect and the embedded migration set.
	Driver database.Driver

	// DatabaseURL is the sql.Open DSN for the selected driver.
	DatabaseURL string

	// TableName is the version-tracking table (default schema_migrations).
	TableName string

	// LockTimeout bounds waiting for the migration lock.
	LockTimeout time.Duration
}

// Migrator applies the versioned schema of the coordination store
// (sessions, tasks, delegation_edges) using golang-migrate with
// embedded SQL files.
type Migrator struct {
	config  Config
	migrate *migrate.Migrate
	logger  *zap.Logger
}

// NewMigrator opens the database and prepares the migration engine.
func NewMigrator(config Config, logger *zap.Logger) (*Migrator, error) {
	if config.DatabaseURL == "" {
		return nil, errors.New("database URL is required")
	}
	if config.TableName == "" {
		config.TableName = "schema_migrations"
	}
	if config.LockTimeout == 0 {
		config.LockTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open(sqlDriverName(config.Driver), config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	dbDriver, err := databaseDriver(config.Driver, db, config.TableName)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	fsys, dir := migrationSource(config.Driver)
	sourceDriver, err := iofs.New(fsys, dir)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	engine, err := migrate.NewWithInstance("iofs", sourceDriver, string(config.Driver), dbDriver)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	return &Migrator{
		config:  config,
		migrate: engine,
		logger:  logger.With(zap.String("component", "migrator")),
	}, nil
}

// Up applies all pending migrations.
func (m *Migrator) Up() error {
	if err := m.migrate.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	version, dirty, _ := m.migrate.Version()
	m.logger.Info("schema is up to date",
		zap.Uint("version", version),
		zap.Bool("dirty", dirty),
	)
	return nil
}

// Down rolls back the most recent migration.
func (m *Migrator) Down() error {
	if err := m.migrate.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}
	return nil
}

// Steps applies (positive n) or rolls back (negative n) n migrations.
func (m *Migrator) Steps(n int) error {
	if err := m.migrate.Steps(n); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration steps failed: %w", err)
	}
	return nil
}

// Force sets the schema version without running migrations. Recovery
// tool for a dirty version after a crashed migration.
func (m *Migrator) Force(version int) error {
	if err := m.migrate.Force(version); err != nil {
		return fmt.Errorf("migration force failed: %w", err)
	}
	return nil
}

// Version returns the current schema version and dirty flag.
func (m *Migrator) Version() (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get version: %w", err)
	}
	return version, dirty, nil
}

// Close releases the migration engine and its database connection.
func (m *Migrator) Close() error {
	sourceErr, dbErr := m.migrate.Close()
	if sourceErr != nil {
		return sourceErr
	}
	return dbErr
}

// =============================================================================
// Driver Selection
// =============================================================================

func sqlDriverName(driver database.Driver) string {
	switch driver {
	case database.DriverPostgres:
		return "postgres"
	case database.DriverMySQL:
		return "mysql"
	default:
		return "sqlite3"
	}
}

func databaseDriver(driver database.Driver, db *sql.DB, table string) (migratedb.Driver, error) {
	switch driver {
	case database.DriverPostgres:
		return postgres.WithInstance(db, &postgres.Config{MigrationsTable: table})
	case database.DriverMySQL:
		return mysql.WithInstance(db, &mysql.Config{MigrationsTable: table})
	case database.DriverSQLite:
		return sqlite3.WithInstance(db, &sqlite3.Config{MigrationsTable: table})
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", driver)
	}
}

func migrationSource(driver database.Driver) (fs.FS, string) {
	switch driver {
	case database.DriverPostgres:
		return postgresFS, "migrations/postgres"
	case database.DriverMySQL:
		return mysqlFS, "migrations/mysql"
	default:
		return sqliteFS, "migrations/sqlite"
	}
}
