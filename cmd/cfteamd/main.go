// =============================================================================
// CFTeam 协调引擎主入口
// =============================================================================
// 完整服务入口点，包含 HTTP API、健康检查、Prometheus 指标
//
// 使用方法:
//
//	cfteamd serve                       # 启动服务
//	cfteamd serve --config config.yaml  # 指定配置文件
//	cfteamd version                     # 显示版本信息
//	cfteamd health                      # 健康检查
//	cfteamd migrate up                  # 运行数据库迁移
//	cfteamd migrate down                # 回滚最后一次迁移
// =============================================================================
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cfteam/coordinator/config"
	"github.com/cfteam/coordinator/coordinator"
	"github.com/cfteam/coordinator/crew"
	"github.com/cfteam/coordinator/engine"
	"github.com/cfteam/coordinator/internal/cache"
	"github.com/cfteam/coordinator/internal/database"
	"github.com/cfteam/coordinator/internal/metrics"
	"github.com/cfteam/coordinator/ratelimit"
	"github.com/cfteam/coordinator/registry"
	"github.com/cfteam/coordinator/session"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting CFTeam coordinator",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	// 数据库迁移
	if cfg.Database.MigrateOnStart {
		if err := migrateUp(cfg.Database, logger); err != nil {
			logger.Fatal("Database migration failed", zap.Error(err))
		}
	}

	// 打开会话存储
	pool, err := database.Open(
		database.Driver(cfg.Database.Driver),
		cfg.Database.DSN(),
		database.PoolConfig{
			MaxIdleConns:        cfg.Database.MaxIdleConns,
			MaxOpenConns:        cfg.Database.MaxOpenConns,
			ConnMaxLifetime:     cfg.Database.ConnMaxLifetime,
			HealthCheckInterval: 30 * time.Second,
		},
		logger,
	)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}

	var store session.Store = session.NewGormStore(pool, logger)

	// 可选的 Redis 读穿缓存
	if cfg.Cache.Enabled {
		manager, err := cache.NewManager(cache.Config{
			Addr:         cfg.Cache.Addr,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DefaultTTL:   cfg.Cache.DefaultTTL,
			PoolSize:     cfg.Cache.PoolSize,
			MinIdleConns: cfg.Cache.MinIdleConns,
		}, logger)
		if err != nil {
			logger.Warn("Cache not available, using direct store", zap.Error(err))
		} else {
			store = session.NewCachedStore(store, manager, cfg.Cache.DefaultTTL, logger)
		}
	}

	// 注册表：启动时载入描述符
	reg := registry.New(logger)
	if err := loadDescriptors(reg, cfg); err != nil {
		logger.Fatal("Failed to load descriptors", zap.Error(err))
	}

	collector := metrics.NewCollector(nil)
	eng := engine.New(
		store,
		reg,
		ratelimit.New(reg, logger),
		newHTTPExecutor(cfg.Executor, logger),
		collector,
		engine.NewLoggingSink(logger),
		engine.Config{
			Coordinator: coordinator.Config{MaxDelegationDepth: cfg.Engine.MaxDelegationDepth},
			CrewRun:     crew.Config{PollInterval: cfg.Engine.PollInterval},
		},
		logger,
	)

	// 接续上个进程留下的活跃会话
	if _, err := eng.ResumeActiveSessions(context.Background()); err != nil {
		logger.Warn("Failed to resume active sessions", zap.Error(err))
	}

	server := NewServer(cfg, eng, store, logger)
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	server.WaitForShutdown()

	eng.Close()
	if err := store.Close(); err != nil {
		logger.Warn("Failed to close store", zap.Error(err))
	}
	logger.Info("CFTeam coordinator stopped")
}

// loadDescriptors 把配置中的描述符灌入注册表
func loadDescriptors(reg *registry.Registry, cfg *config.Config) error {
	for _, agent := range cfg.Agents {
		if err := reg.Register(agent); err != nil {
			return err
		}
	}
	for _, c := range cfg.Crews {
		if err := reg.RegisterCrew(c); err != nil {
			return err
		}
	}
	for _, project := range cfg.Projects {
		if err := reg.RegisterProject(project); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:9091", "Metrics server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("cfteamd %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`CFTeam Coordinator - crew execution and task coordination engine

Usage:
  cfteamd <command> [options]

Commands:
  serve     Start the coordinator
  migrate   Database migration commands
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)

Migration subcommands:
  migrate up        Apply all pending migrations
  migrate down      Rollback the last migration
  migrate version   Show current migration version
  migrate force <v> Force set migration version

Examples:
  cfteamd serve
  cfteamd serve --config /etc/cfteam/config.yaml
  cfteamd migrate up
  cfteamd health --addr http://localhost:9091
  cfteamd version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      cfg.OutputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	opts := []zap.Option{}
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	logger, err := zapConfig.Build(opts...)
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}
	return logger
}
