// =============================================================================
// 📦 CFTeam 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:   DefaultServerConfig(),
		Engine:   DefaultEngineConfig(),
		Executor: DefaultExecutorConfig(),
		Database: DefaultDatabaseConfig(),
		Cache:    DefaultCacheConfig(),
		Log:      DefaultLogConfig(),
	}
}

// DefaultServerConfig 返回默认管理端口配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultExecutorConfig 返回默认执行协作方配置
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		URL:     "http://localhost:8700/execute",
		Timeout: 0,
	}
}

// DefaultEngineConfig 返回默认引擎配置
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxDelegationDepth: 3,
		PollInterval:       100 * time.Millisecond,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "cfteam",
		Password:        "",
		Name:            "cfteam",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		MigrateOnStart:  true,
	}
}

// DefaultCacheConfig 返回默认缓存配置
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		DefaultTTL:   5 * time.Minute,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}
