package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cfteam/coordinator/internal/cache"
	"github.com/cfteam/coordinator/types"
)

const (
	sessionKeyPrefix = "session:"
	taskKeyPrefix    = "task:"
)

// CachedStore decorates a Store with a Redis read-through cache for
// GetSession and GetTask. Writes invalidate the affected keys before
// delegating, so a subsequent read repopulates from the authoritative
// store. Cache failures degrade to direct reads; they never fail the
// operation.
type CachedStore struct {
	inner  Store
	cache  *cache.Manager
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedStore wraps a store with a Redis read cache.
func NewCachedStore(inner Store, cacheManager *cache.Manager, ttl time.Duration, logger *zap.Logger) *CachedStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedStore{
		inner:  inner,
		cache:  cacheManager,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "cached_store")),
	}
}

// CreateSession opens a new session.
func (s *CachedStore) CreateSession(ctx context.Context, projects []string) (*types.Session, error) {
	return s.inner.CreateSession(ctx, projects)
}

// GetSession returns the session view, served from cache when possible.
func (s *CachedStore) GetSession(ctx context.Context, sessionID string) (*types.SessionView, error) {
	key := sessionKeyPrefix + sessionID

	var cached types.SessionView
	if err := s.cache.GetJSON(ctx, key, &cached); err == nil {
		return &cached, nil
	} else if !cache.IsCacheMiss(err) {
		s.logger.Warn("session cache read failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	view, err := s.inner.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetJSON(ctx, key, view, s.ttl); err != nil {
		s.logger.Warn("session cache write failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	return view, nil
}

// GetTask returns a task, served from cache when possible.
func (s *CachedStore) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	key := taskKeyPrefix + taskID

	var cached types.Task
	if err := s.cache.GetJSON(ctx, key, &cached); err == nil {
		return &cached, nil
	} else if !cache.IsCacheMiss(err) {
		s.logger.Warn("task cache read failed", zap.String("task_id", taskID), zap.Error(err))
	}

	task, err := s.inner.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetJSON(ctx, key, task, s.ttl); err != nil {
		s.logger.Warn("task cache write failed", zap.String("task_id", taskID), zap.Error(err))
	}
	return task, nil
}

// AppendTask adds a task and invalidates the session entry.
func (s *CachedStore) AppendTask(ctx context.Context, sessionID string, task *types.Task) error {
	s.invalidate(ctx, sessionKeyPrefix+sessionID)
	return s.inner.AppendTask(ctx, sessionID, task)
}

// AppendTasks adds a batch of tasks and invalidates the session entry.
func (s *CachedStore) AppendTasks(ctx context.Context, sessionID string, tasks []*types.Task) error {
	s.invalidate(ctx, sessionKeyPrefix+sessionID)
	return s.inner.AppendTasks(ctx, sessionID, tasks)
}

// AssignTask assigns a task and invalidates the affected entries.
func (s *CachedStore) AssignTask(ctx context.Context, taskID, agentID string) error {
	s.invalidateTask(ctx, taskID)
	return s.inner.AssignTask(ctx, taskID, agentID)
}

// UpdateTaskState advances a task and invalidates the affected entries.
func (s *CachedStore) UpdateTaskState(ctx context.Context, taskID string, next types.TaskState, result *types.TaskResult, errCode types.ErrorCode) error {
	s.invalidateTask(ctx, taskID)
	return s.inner.UpdateTaskState(ctx, taskID, next, result, errCode)
}

// ListReadyTasks always reads through to the authoritative store:
// dispatch decisions must not act on stale task state.
func (s *CachedStore) ListReadyTasks(ctx context.Context, sessionID string) ([]*types.Task, error) {
	return s.inner.ListReadyTasks(ctx, sessionID)
}

// AbortSession aborts a session and invalidates its entry.
func (s *CachedStore) AbortSession(ctx context.Context, sessionID string) error {
	s.invalidate(ctx, sessionKeyPrefix+sessionID)
	return s.inner.AbortSession(ctx, sessionID)
}

// AddDelegationEdge records a delegation edge.
func (s *CachedStore) AddDelegationEdge(ctx context.Context, edge types.DelegationEdge) error {
	return s.inner.AddDelegationEdge(ctx, edge)
}

// ListDelegationEdges returns delegation edges for a session.
func (s *CachedStore) ListDelegationEdges(ctx context.Context, sessionID string) ([]types.DelegationEdge, error) {
	return s.inner.ListDelegationEdges(ctx, sessionID)
}

// ListActiveSessions returns non-terminal session identifiers.
func (s *CachedStore) ListActiveSessions(ctx context.Context) ([]string, error) {
	return s.inner.ListActiveSessions(ctx)
}

// Ping checks both the inner store and the cache.
func (s *CachedStore) Ping(ctx context.Context) error {
	if err := s.inner.Ping(ctx); err != nil {
		return err
	}
	return s.cache.Ping(ctx)
}

// Close closes the inner store. The cache manager is owned by the
// caller and may back other components.
func (s *CachedStore) Close() error {
	return s.inner.Close()
}

func (s *CachedStore) invalidateTask(ctx context.Context, taskID string) {
	keys := []string{taskKeyPrefix + taskID}
	if task, err := s.inner.GetTask(ctx, taskID); err == nil {
		keys = append(keys, sessionKeyPrefix+task.SessionID)
	}
	s.invalidate(ctx, keys...)
}

func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if err := s.cache.Delete(ctx, keys...); err != nil {
		s.logger.Warn("cache invalidation failed", zap.Strings("keys", keys), zap.Error(err))
	}
}
