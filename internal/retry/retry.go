package retry

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/cfteam/coordinator/types"
)

// =============================================================================
// 🔁 重试执行器
// =============================================================================

// Config 重试配置
type Config struct {
	// 最大尝试次数（含首次）
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// 初始退避时间
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// 最大退避时间
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// 退避倍率
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// 抖动比例，0~1
	Jitter float64 `yaml:"jitter" json:"jitter"`
}

// DefaultConfig 返回默认重试配置
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// Retryer 带指数退避的重试执行器
// 默认只重试标记为可重试的错误（见 types.IsRetryable）
type Retryer struct {
	config    Config
	retryable func(error) bool
	logger    *zap.Logger
}

// New 创建重试执行器
func New(config Config, logger *zap.Logger) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.Multiplier < 1 {
		config.Multiplier = 2.0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retryer{
		config:    config,
		retryable: types.IsRetryable,
		logger:    logger.With(zap.String("component", "retryer")),
	}
}

// WithClassifier 替换可重试判定，用于领域特定的错误分类
// （如数据库死锁与序列化冲突）
func (r *Retryer) WithClassifier(fn func(error) bool) *Retryer {
	if fn != nil {
		r.retryable = fn
	}
	return r
}

// Do 执行函数，失败且可重试时按指数退避重试
func (r *Retryer) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !r.retryable(lastErr) {
			return lastErr
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		delay := r.backoff(attempt)
		r.logger.Warn("operation failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.config.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(lastErr),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return lastErr
}

// backoff 计算第 attempt 次失败后的退避时间
func (r *Retryer) backoff(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= r.config.Multiplier
	}
	if max := float64(r.config.MaxDelay); max > 0 && delay > max {
		delay = max
	}
	if r.config.Jitter > 0 {
		// 抖动范围 [1-j, 1+j]
		delay *= 1 + r.config.Jitter*(2*rand.Float64()-1)
	}
	return time.Duration(delay)
}
