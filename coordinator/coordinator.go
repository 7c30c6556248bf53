package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cfteam/coordinator/internal/metrics"
	"github.com/cfteam/coordinator/ratelimit"
	"github.com/cfteam/coordinator/registry"
	"github.com/cfteam/coordinator/session"
	"github.com/cfteam/coordinator/types"
)

// =============================================================================
// 🎯 任务协调器
// =============================================================================

// DefaultMaxDelegationDepth 委派链的默认深度上限
const DefaultMaxDelegationDepth = 3

// Executor 外部执行协作方
// 可能缓慢或失败；协调器以调用方截止时间约束单次执行
type Executor interface {
	Execute(ctx context.Context, task *types.Task) (*types.TaskResult, error)
}

// Outcome 一次调度的结局
type Outcome string

const (
	// OutcomeCompleted 任务成功完成
	OutcomeCompleted Outcome = "completed"

	// OutcomeFailed 任务终态失败（重试预算耗尽或不可重试）
	OutcomeFailed Outcome = "failed"

	// OutcomeRetrying 本次尝试失败，任务已重新排队
	OutcomeRetrying Outcome = "retrying"

	// OutcomeDeferred 限流或并发预算未放行，稍后重试调度
	OutcomeDeferred Outcome = "deferred"
)

// DispatchResult 调度结果
type DispatchResult struct {
	Outcome  Outcome
	AgentID  string
	WaitHint time.Duration
}

// Config 协调器配置
type Config struct {
	// 委派链深度上限
	MaxDelegationDepth int `yaml:"max_delegation_depth" json:"max_delegation_depth"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{MaxDelegationDepth: DefaultMaxDelegationDepth}
}

// Coordinator 任务协调器
// 负责把依赖就绪的任务派发给合格的 Agent：能力过滤、限流闸门、
// 并发预算、状态机推进、失败重试与委派登记
type Coordinator struct {
	store    session.Store
	registry *registry.Registry
	limiter  *ratelimit.Limiter
	executor Executor
	metrics  *metrics.Collector
	config   Config
	logger   *zap.Logger

	// 各 Agent 当前 running 任务数，派发前预留，结束后释放
	mu      sync.Mutex
	running map[string]int
}

// New 创建任务协调器
func New(store session.Store, reg *registry.Registry, limiter *ratelimit.Limiter,
	executor Executor, collector *metrics.Collector, config Config, logger *zap.Logger) *Coordinator {
	if config.MaxDelegationDepth <= 0 {
		config.MaxDelegationDepth = DefaultMaxDelegationDepth
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:    store,
		registry: reg,
		limiter:  limiter,
		executor: executor,
		metrics:  collector,
		config:   config,
		running:  make(map[string]int),
		logger:   logger.With(zap.String("component", "coordinator")),
	}
}

// EligibleAgents 按能力标签过滤候选成员
// 候选集为空时返回 NO_ELIGIBLE_AGENT
func (c *Coordinator) EligibleAgents(task *types.Task, candidates []string) ([]string, error) {
	var eligible []string
	for _, id := range candidates {
		agent, err := c.registry.Lookup(id)
		if err != nil {
			continue
		}
		if agent.Capable(task.RequiredCapability) {
			eligible = append(eligible, id)
		}
	}
	if len(eligible) == 0 {
		return nil, types.NewErrorf(types.ErrNoEligibleAgent,
			"no crew member covers capability %q for task %q", task.RequiredCapability, task.ID)
	}
	return eligible, nil
}

// IdleAgents 过滤出 running 数未达并发预算的 Agent
func (c *Coordinator) IdleAgents(ids []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var idle []string
	for _, id := range ids {
		agent, err := c.registry.Lookup(id)
		if err != nil {
			continue
		}
		if c.running[id] < agent.ConcurrencyBudget() {
			idle = append(idle, id)
		}
	}
	return idle
}

// RunningCount 返回 Agent 当前 running 的任务数
func (c *Coordinator) RunningCount(agentID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running[agentID]
}

// Dispatch 把一个依赖就绪的任务派发给指定 Agent 并驱动到终点
//
// 协议：限流闸门（未放行则带提示延迟）→ 并发预算预留 →
// queued→assigned→running → 在任务截止时间内调用外部执行器 →
// completed 或 failed（可重试失败自动重新排队）
func (c *Coordinator) Dispatch(ctx context.Context, task *types.Task, agentID string) (DispatchResult, error) {
	decision, err := c.limiter.TryAcquire(agentID)
	if err != nil {
		return DispatchResult{}, err
	}
	if !decision.Granted {
		if c.metrics != nil {
			c.metrics.RateLimitDeferred.Inc()
		}
		c.logger.Debug("dispatch deferred by rate limit",
			zap.String("task", task.ID),
			zap.String("agent", agentID),
			zap.Duration("wait_hint", decision.WaitHint),
		)
		return DispatchResult{Outcome: OutcomeDeferred, AgentID: agentID, WaitHint: decision.WaitHint}, nil
	}

	if !c.reserve(agentID) {
		// 并发预算占满：按一个补充周期退避
		return DispatchResult{Outcome: OutcomeDeferred, AgentID: agentID, WaitHint: time.Second}, nil
	}
	defer c.release(agentID)

	if err := c.store.AssignTask(ctx, task.ID, agentID); err != nil {
		return DispatchResult{}, err
	}
	task.AgentID = agentID
	if err := c.store.UpdateTaskState(ctx, task.ID, types.TaskRunning, nil, ""); err != nil {
		return DispatchResult{}, err
	}

	if c.metrics != nil {
		c.metrics.TasksDispatched.WithLabelValues(task.CrewID).Inc()
		c.metrics.TasksRunning.Inc()
		defer c.metrics.TasksRunning.Dec()
	}
	c.logger.Info("task dispatched",
		zap.String("task", task.ID),
		zap.String("agent", agentID),
		zap.String("session", task.SessionID),
	)

	result, errCode := c.executeAttempt(ctx, task)
	if errCode != "" {
		return c.handleFailure(ctx, task, agentID, errCode)
	}

	if result != nil && len(result.Delegations) > 0 {
		if err := c.applyDelegations(ctx, task, agentID, result.Delegations); err != nil {
			if types.IsCode(err, types.ErrDelegationDepthExceeded) {
				// 超深委派让发起任务失败，且不可重试
				return c.handleFailure(ctx, task, agentID, types.ErrDelegationDepthExceeded)
			}
			return DispatchResult{}, err
		}
	}

	if err := c.store.UpdateTaskState(ctx, task.ID, types.TaskCompleted, result, ""); err != nil {
		return DispatchResult{}, err
	}
	return DispatchResult{Outcome: OutcomeCompleted, AgentID: agentID}, nil
}

// executeAttempt 在截止时间内执行一次外部调用
// 返回空错误码表示成功
func (c *Coordinator) executeAttempt(ctx context.Context, task *types.Task) (*types.TaskResult, types.ErrorCode) {
	attemptCtx, cancel := context.WithTimeout(ctx, task.EffectiveTimeout())
	defer cancel()

	start := time.Now()
	result, err := c.executor.Execute(attemptCtx, task)
	elapsed := time.Since(start)

	if err == nil {
		if c.metrics != nil {
			c.metrics.ObserveAttempt("completed", elapsed)
		}
		return result, ""
	}

	errCode := types.GetErrorCode(err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		errCode = types.ErrExternalExecutionTimeout
	}
	if errCode == "" {
		errCode = types.ErrInternalError
	}

	if c.metrics != nil {
		c.metrics.ObserveAttempt("failed", elapsed)
	}
	c.logger.Warn("task attempt failed",
		zap.String("task", task.ID),
		zap.String("error_code", string(errCode)),
		zap.Duration("elapsed", elapsed),
		zap.Error(err),
	)
	return nil, errCode
}

// handleFailure 记录失败并在预算允许时重新排队
func (c *Coordinator) handleFailure(ctx context.Context, task *types.Task, agentID string, errCode types.ErrorCode) (DispatchResult, error) {
	if err := c.store.UpdateTaskState(ctx, task.ID, types.TaskFailed, nil, errCode); err != nil {
		return DispatchResult{}, err
	}

	failed, err := c.store.GetTask(ctx, task.ID)
	if err != nil {
		return DispatchResult{}, err
	}
	if !failed.ShouldRetry() {
		c.logger.Error("task terminally failed",
			zap.String("task", task.ID),
			zap.String("error_code", string(errCode)),
			zap.Int("retry_count", failed.RetryCount),
		)
		return DispatchResult{Outcome: OutcomeFailed, AgentID: agentID}, nil
	}

	if err := c.store.UpdateTaskState(ctx, task.ID, types.TaskRetried, nil, ""); err != nil {
		return DispatchResult{}, err
	}
	if err := c.store.UpdateTaskState(ctx, task.ID, types.TaskQueued, nil, ""); err != nil {
		return DispatchResult{}, err
	}
	if c.metrics != nil {
		c.metrics.TaskRetries.Inc()
	}
	return DispatchResult{Outcome: OutcomeRetrying, AgentID: agentID}, nil
}

// FailQueued 把一个无法派发的 queued 任务直接置为终态失败
// 用于 NO_ELIGIBLE_AGENT 等不可能通过重试解决的情况
func (c *Coordinator) FailQueued(ctx context.Context, taskID string, errCode types.ErrorCode) error {
	if c.metrics != nil {
		c.metrics.TaskCompletions.WithLabelValues("failed").Inc()
	}
	return c.store.UpdateTaskState(ctx, taskID, types.TaskFailed, nil, errCode)
}

// applyDelegations 把执行结果中请求的委派落成子任务
// 仅对允许委派的 Agent 生效
func (c *Coordinator) applyDelegations(ctx context.Context, parent *types.Task, agentID string, specs []types.DelegationSpec) error {
	agent, err := c.registry.Lookup(agentID)
	if err != nil {
		return err
	}
	if !agent.AllowDelegation {
		c.logger.Warn("delegation ignored: agent may not delegate",
			zap.String("task", parent.ID),
			zap.String("agent", agentID),
		)
		return nil
	}

	subTasks := make([]*types.Task, len(specs))
	for i, spec := range specs {
		subTasks[i] = &types.Task{
			Description:        spec.Description,
			RequiredCapability: spec.RequiredCapability,
			DependsOn:          spec.DependsOn,
		}
	}
	return c.Delegate(ctx, parent, subTasks)
}

// Delegate 以 parent 为源创建委派子任务
//
// 深度超过上限时返回 DELEGATION_DEPTH_EXCEEDED，由调用方据此让
// 发起任务失败；否则原子追加子任务并登记 DelegationEdge
func (c *Coordinator) Delegate(ctx context.Context, parent *types.Task, subTasks []*types.Task) error {
	depth := parent.Origin.Depth + 1
	if depth > c.config.MaxDelegationDepth {
		return types.NewErrorf(types.ErrDelegationDepthExceeded,
			"delegation depth %d exceeds limit %d (task %q)", depth, c.config.MaxDelegationDepth, parent.ID)
	}

	for _, sub := range subTasks {
		sub.CrewID = parent.CrewID
		sub.Origin = types.TaskOrigin{
			Kind:          types.OriginDelegated,
			DelegatedFrom: parent.ID,
			Depth:         depth,
		}
	}
	if err := c.store.AppendTasks(ctx, parent.SessionID, subTasks); err != nil {
		return err
	}

	for _, sub := range subTasks {
		if err := c.store.AddDelegationEdge(ctx, types.DelegationEdge{
			SourceTaskID: parent.ID,
			TargetTaskID: sub.ID,
		}); err != nil {
			return err
		}
		if c.metrics != nil {
			c.metrics.Delegations.Inc()
		}
	}

	c.logger.Info("tasks delegated",
		zap.String("parent", parent.ID),
		zap.Int("sub_tasks", len(subTasks)),
		zap.Int("depth", depth),
	)
	return nil
}

// reserve 预留一个并发额度，超出预算时拒绝
func (c *Coordinator) reserve(agentID string) bool {
	agent, err := c.registry.Lookup(agentID)
	if err != nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running[agentID] >= agent.ConcurrencyBudget() {
		return false
	}
	c.running[agentID]++
	return true
}

// release 释放并发额度
func (c *Coordinator) release(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running[agentID] > 0 {
		c.running[agentID]--
	}
}
