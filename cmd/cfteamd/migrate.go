package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/cfteam/coordinator/config"
	"github.com/cfteam/coordinator/internal/database"
	"github.com/cfteam/coordinator/internal/migration"
)

// =============================================================================
// 🗄️ 数据库迁移命令
// =============================================================================

// runMigrate 处理 migrate 子命令
func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}

	subcommand := args[0]
	subargs := args[1:]

	switch subcommand {
	case "up":
		withMigrator(subargs, func(m *migration.Migrator) error {
			return m.Up()
		})
	case "down":
		withMigrator(subargs, func(m *migration.Migrator) error {
			return m.Down()
		})
	case "version":
		withMigrator(subargs, func(m *migration.Migrator) error {
			version, dirty, err := m.Version()
			if err != nil {
				return err
			}
			fmt.Printf("version: %d dirty: %v\n", version, dirty)
			return nil
		})
	case "force":
		if len(subargs) < 1 {
			fmt.Fprintln(os.Stderr, "Usage: cfteamd migrate force <version>")
			os.Exit(1)
		}
		version, err := strconv.Atoi(subargs[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid version number: %s\n", subargs[0])
			os.Exit(1)
		}
		withMigrator(subargs[1:], func(m *migration.Migrator) error {
			return m.Force(version)
		})
	case "help", "-h", "--help":
		printMigrateUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", subcommand)
		printMigrateUsage()
		os.Exit(1)
	}
}

// withMigrator 从命令行构建迁移器并执行一个操作
func withMigrator(args []string, fn func(*migration.Migrator) error) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database DSN")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		os.Exit(1)
	}

	driver, dsn := *dbType, *dbURL
	if driver == "" || dsn == "" {
		loader := config.NewLoader()
		if *configPath != "" {
			loader = loader.WithConfigPath(*configPath)
		}
		cfg, err := loader.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		if driver == "" {
			driver = cfg.Database.Driver
		}
		if dsn == "" {
			dsn = cfg.Database.DSN()
		}
	}

	m, err := migration.NewMigrator(migration.Config{
		Driver:      database.Driver(driver),
		DatabaseURL: dsn,
	}, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer m.Close()

	if err := fn(m); err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}
}

// migrateUp 应用全部待执行迁移，serve 启动路径复用
func migrateUp(dbCfg config.DatabaseConfig, logger *zap.Logger) error {
	m, err := migration.NewMigrator(migration.Config{
		Driver:      database.Driver(dbCfg.Driver),
		DatabaseURL: dbCfg.DSN(),
	}, logger)
	if err != nil {
		return err
	}
	defer m.Close()
	return m.Up()
}

// printMigrateUsage 打印 migrate 用法
func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  cfteamd migrate <subcommand> [options]

Subcommands:
  up        Apply all pending migrations
  down      Rollback the last migration
  version   Show current migration version
  force     Force set migration version (use with caution)
  help      Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <dsn>      Database DSN (default: from config)

Examples:
  cfteamd migrate up
  cfteamd migrate up --config /etc/cfteam/config.yaml
  cfteamd migrate down
  cfteamd migrate force 0`)
}
