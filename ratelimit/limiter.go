package ratelimit

import (
	"sync"
	"time"

	"github.com/cfteam/coordinator/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// =============================================================================
// 🚦 Agent 级限流器
// =============================================================================

// Decision TryAcquire 的结果
// Granted 为 false 时 WaitHint 给出建议的退避时长，调度方据此
// 重新排队而不是阻塞工作协程
type Decision struct {
	Granted  bool
	WaitHint time.Duration
}

// AgentDirectory 限流器需要的注册表视图
type AgentDirectory interface {
	Lookup(id string) (*types.Agent, error)
}

// Limiter 按 Agent 划分的令牌桶限流器
// 桶容量等于 RPM，补充速率为 RPM/60 令牌每秒；基于 x/time/rate
// 的单调时钟实现，时钟回拨不会产生负令牌
type Limiter struct {
	directory AgentDirectory

	mu      sync.Mutex
	buckets map[string]*rate.Limiter

	logger *zap.Logger
}

// New 创建限流器
func New(directory AgentDirectory, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		directory: directory,
		buckets:   make(map[string]*rate.Limiter),
		logger:    logger.With(zap.String("component", "ratelimit")),
	}
}

// TryAcquire 尝试为 Agent 取得一个调度令牌
// 从不阻塞调用方：未获授权时返回退避提示
// Agent 未注册时返回 UNKNOWN_AGENT
func (l *Limiter) TryAcquire(agentID string) (Decision, error) {
	agent, err := l.directory.Lookup(agentID)
	if err != nil {
		return Decision{}, err
	}

	bucket := l.bucketFor(agent)

	res := bucket.Reserve()
	if !res.OK() {
		// 桶容量为 0 的病态配置，按最长补充周期退避
		return Decision{Granted: false, WaitHint: time.Minute}, nil
	}

	delay := res.Delay()
	if delay > 0 {
		// 令牌未就绪：取消预约并把等待时间作为提示返回
		res.Cancel()
		l.logger.Debug("rate limit deferred",
			zap.String("agent", agentID),
			zap.Duration("wait_hint", delay),
		)
		return Decision{Granted: false, WaitHint: delay}, nil
	}

	return Decision{Granted: true}, nil
}

// Reset 丢弃 Agent 的令牌桶，下次按最新配置重建
// 注册表 Reload 之后调用
func (l *Limiter) Reset(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, agentID)
}

// bucketFor 取出或创建 Agent 的令牌桶
func (l *Limiter) bucketFor(agent *types.Agent) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if bucket, ok := l.buckets[agent.ID]; ok {
		return bucket
	}

	rpm := agent.EffectiveRPM()
	bucket := rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
	l.buckets[agent.ID] = bucket

	l.logger.Debug("token bucket created",
		zap.String("agent", agent.ID),
		zap.Int("rpm", rpm),
	)
	return bucket
}
