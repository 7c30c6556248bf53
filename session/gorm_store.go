package session

import (
	"context"
	"errors"
	"time"

	"github.com/cfteam/coordinator/internal/database"
	"github.com/cfteam/coordinator/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// GormStore is the production Store backed by a relational database
// through GORM. Every write runs inside a transaction scoped to one
// session, so unrelated sessions progress independently.
type GormStore struct {
	pool   *database.Pool
	logger *zap.Logger
}

// txRetries bounds automatic retries of deadlocked transactions.
const txRetries = 3

// NewGormStore creates a Store on top of an open database pool.
func NewGormStore(pool *database.Pool, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{
		pool:   pool,
		logger: logger.With(zap.String("component", "session_store")),
	}
}

// AutoMigrate creates the schema. Production deployments run the
// embedded SQL migrations instead; this path serves tests and local
// development on SQLite.
func (s *GormStore) AutoMigrate() error {
	return s.pool.DB().AutoMigrate(&sessionRow{}, &taskRow{}, &delegationEdgeRow{})
}

// Ping checks store health.
func (s *GormStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the underlying pool.
func (s *GormStore) Close() error {
	return s.pool.Close()
}

// CreateSession opens a new session.
func (s *GormStore) CreateSession(ctx context.Context, projects []string) (*types.Session, error) {
	now := time.Now()
	sess := &types.Session{
		ID:        uuid.New().String(),
		Projects:  append([]string(nil), projects...),
		CreatedAt: now,
		UpdatedAt: now,
	}

	row, err := toSessionRow(sess)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to encode session").WithCause(err)
	}

	if err := s.pool.WithTransactionRetry(ctx, txRetries, func(tx *gorm.DB) error {
		return tx.Create(row).Error
	}); err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to create session").WithCause(err)
	}

	s.logger.Info("session created",
		zap.String("session", sess.ID),
		zap.Strings("projects", sess.Projects),
	)
	return sess, nil
}

// GetSession returns the session with tasks and derived status.
func (s *GormStore) GetSession(ctx context.Context, sessionID string) (*types.SessionView, error) {
	var view *types.SessionView

	err := s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		sess, tasks, err := loadSession(tx, sessionID)
		if err != nil {
			return err
		}

		status := types.DeriveSessionStatus(sess.Aborted, tasks)
		view = &types.SessionView{
			Session: sess,
			Status:  status,
			Tasks:   tasks,
		}
		if status == types.SessionFailed || status == types.SessionAborted {
			view.Failures = failuresOf(tasks)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// AppendTask adds a single task to a session.
func (s *GormStore) AppendTask(ctx context.Context, sessionID string, task *types.Task) error {
	return s.AppendTasks(ctx, sessionID, []*types.Task{task})
}

// AppendTasks adds a batch of tasks atomically.
func (s *GormStore) AppendTasks(ctx context.Context, sessionID string, tasks []*types.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	return s.pool.WithTransactionRetry(ctx, txRetries, func(tx *gorm.DB) error {
		sess, existing, err := loadSession(tx, sessionID)
		if err != nil {
			return err
		}
		// A completed session may still receive reconciliation
		// follow-ups, which re-derive it back to running. Aborted and
		// failed sessions are closed for good.
		switch status := types.DeriveSessionStatus(sess.Aborted, existing); status {
		case types.SessionAborted, types.SessionFailed:
			return types.NewErrorf(types.ErrSessionClosed, "session %q is %s", sessionID, status)
		}

		now := time.Now()
		batch := make([]*types.Task, 0, len(tasks))
		for _, task := range tasks {
			t := cloneTask(task)
			if t.ID == "" {
				t.ID = uuid.New().String()
			}
			t.SessionID = sessionID
			if t.State == "" {
				t.State = types.TaskQueued
			}
			if t.MaxRetries == 0 {
				t.MaxRetries = types.DefaultMaxRetries
			}
			if t.Origin.Kind == "" {
				t.Origin.Kind = types.OriginDirect
			}
			t.CreatedAt = now
			t.UpdatedAt = now
			batch = append(batch, t)
		}

		if err := validateGraph(graphWith(existing, batch)); err != nil {
			return err
		}

		for _, t := range batch {
			row, err := toTaskRow(t)
			if err != nil {
				return types.NewError(types.ErrInternalError, "failed to encode task").WithCause(err)
			}
			if err := tx.Create(row).Error; err != nil {
				return types.NewError(types.ErrInternalError, "failed to insert task").WithCause(err)
			}
		}

		if err := tx.Model(&sessionRow{}).Where("id = ?", sessionID).
			Update("updated_at", now).Error; err != nil {
			return err
		}

		for i, t := range batch {
			tasks[i].ID = t.ID
			tasks[i].SessionID = sessionID
		}
		return nil
	})
}

// GetTask returns a task by identifier.
func (s *GormStore) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	var row taskRow
	if err := s.pool.DB().WithContext(ctx).First(&row, "id = ?", taskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NewErrorf(types.ErrTaskNotFound, "task %q not found", taskID)
		}
		return nil, types.NewError(types.ErrInternalError, "failed to load task").WithCause(err)
	}
	return row.toTask()
}

// AssignTask moves a queued task to assigned and records the agent.
func (s *GormStore) AssignTask(ctx context.Context, taskID, agentID string) error {
	return s.mutateTask(ctx, taskID, func(task *types.Task) error {
		if !task.State.CanTransition(types.TaskAssigned) {
			return types.NewErrorf(types.ErrIllegalTransition,
				"task %q cannot move %s -> %s", taskID, task.State, types.TaskAssigned)
		}
		task.AgentID = agentID
		applyTransition(task, types.TaskAssigned, nil, "", time.Now())
		return nil
	})
}

// UpdateTaskState advances a task through its state machine.
func (s *GormStore) UpdateTaskState(ctx context.Context, taskID string, next types.TaskState, result *types.TaskResult, errCode types.ErrorCode) error {
	return s.mutateTask(ctx, taskID, func(task *types.Task) error {
		if !task.State.CanTransition(next) {
			return types.NewErrorf(types.ErrIllegalTransition,
				"task %q cannot move %s -> %s", taskID, task.State, next)
		}
		if next == types.TaskRetried && !task.ShouldRetry() {
			return types.NewErrorf(types.ErrIllegalTransition,
				"task %q is not retryable (%d/%d, %s)",
				taskID, task.RetryCount, task.MaxRetries, task.ErrorCode)
		}
		applyTransition(task, next, result, errCode, time.Now())
		return nil
	})
}

// mutateTask loads, mutates, and saves a task plus the owning session
// timestamp in one transaction.
func (s *GormStore) mutateTask(ctx context.Context, taskID string, mutate func(*types.Task) error) error {
	return s.pool.WithTransactionRetry(ctx, txRetries, func(tx *gorm.DB) error {
		var row taskRow
		if err := tx.First(&row, "id = ?", taskID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.NewErrorf(types.ErrTaskNotFound, "task %q not found", taskID)
			}
			return types.NewError(types.ErrInternalError, "failed to load task").WithCause(err)
		}

		task, err := row.toTask()
		if err != nil {
			return types.NewError(types.ErrInternalError, "failed to decode task").WithCause(err)
		}

		if err := mutate(task); err != nil {
			return err
		}

		updated, err := toTaskRow(task)
		if err != nil {
			return types.NewError(types.ErrInternalError, "failed to encode task").WithCause(err)
		}
		updated.Seq = row.Seq
		if err := tx.Save(updated).Error; err != nil {
			return types.NewError(types.ErrInternalError, "failed to save task").WithCause(err)
		}

		return tx.Model(&sessionRow{}).Where("id = ?", task.SessionID).
			Update("updated_at", task.UpdatedAt).Error
	})
}

// ListReadyTasks returns dispatchable tasks of a session.
func (s *GormStore) ListReadyTasks(ctx context.Context, sessionID string) ([]*types.Task, error) {
	var ready []*types.Task

	err := s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		sess, tasks, err := loadSession(tx, sessionID)
		if err != nil {
			return err
		}
		if types.DeriveSessionStatus(sess.Aborted, tasks).IsTerminal() {
			return nil
		}

		completed := make(map[string]bool, len(tasks))
		for _, t := range tasks {
			if t.State == types.TaskCompleted {
				completed[t.ID] = true
			}
		}
		for _, t := range tasks {
			if t.State == types.TaskQueued && t.Ready(completed) {
				ready = append(ready, t)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ready, nil
}

// AbortSession marks a session aborted.
func (s *GormStore) AbortSession(ctx context.Context, sessionID string) error {
	return s.pool.WithTransactionRetry(ctx, txRetries, func(tx *gorm.DB) error {
		sess, tasks, err := loadSession(tx, sessionID)
		if err != nil {
			return err
		}
		if sess.Aborted {
			return nil
		}
		if status := types.DeriveSessionStatus(false, tasks); status.IsTerminal() {
			return types.NewErrorf(types.ErrSessionClosed, "session %q is already %s", sessionID, status)
		}

		return tx.Model(&sessionRow{}).Where("id = ?", sessionID).
			Updates(map[string]any{"aborted": true, "updated_at": time.Now()}).Error
	})
}

// AddDelegationEdge records a delegation between two tasks.
func (s *GormStore) AddDelegationEdge(ctx context.Context, edge types.DelegationEdge) error {
	return s.pool.WithTransactionRetry(ctx, txRetries, func(tx *gorm.DB) error {
		var source, target taskRow
		if err := tx.First(&source, "id = ?", edge.SourceTaskID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.NewErrorf(types.ErrTaskNotFound, "source task %q not found", edge.SourceTaskID)
			}
			return err
		}
		if err := tx.First(&target, "id = ?", edge.TargetTaskID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.NewErrorf(types.ErrTaskNotFound, "target task %q not found", edge.TargetTaskID)
			}
			return err
		}
		if source.SessionID != target.SessionID {
			return types.NewErrorf(types.ErrInternalError,
				"delegation edge crosses sessions (%q -> %q)", source.SessionID, target.SessionID)
		}

		if edge.CreatedAt.IsZero() {
			edge.CreatedAt = time.Now()
		}
		return tx.Create(&delegationEdgeRow{
			SourceTaskID: edge.SourceTaskID,
			TargetTaskID: edge.TargetTaskID,
			CreatedAt:    edge.CreatedAt,
		}).Error
	})
}

// ListDelegationEdges returns delegation edges for a session.
func (s *GormStore) ListDelegationEdges(ctx context.Context, sessionID string) ([]types.DelegationEdge, error) {
	var rows []delegationEdgeRow
	err := s.pool.DB().WithContext(ctx).
		Joins("JOIN tasks ON tasks.id = delegation_edges.source_task_id").
		Where("tasks.session_id = ?", sessionID).
		Find(&rows).Error
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to list delegation edges").WithCause(err)
	}

	edges := make([]types.DelegationEdge, len(rows))
	for i, r := range rows {
		edges[i] = types.DelegationEdge{
			SourceTaskID: r.SourceTaskID,
			TargetTaskID: r.TargetTaskID,
			CreatedAt:    r.CreatedAt,
		}
	}
	return edges, nil
}

// ListActiveSessions returns non-terminal session identifiers.
func (s *GormStore) ListActiveSessions(ctx context.Context) ([]string, error) {
	var ids []string

	err := s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		var rows []sessionRow
		if err := tx.Find(&rows).Error; err != nil {
			return err
		}
		for _, row := range rows {
			_, tasks, err := loadSession(tx, row.ID)
			if err != nil {
				return err
			}
			if !types.DeriveSessionStatus(row.Aborted, tasks).IsTerminal() {
				ids = append(ids, row.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// loadSession fetches a session row and its tasks in creation order.
func loadSession(tx *gorm.DB, sessionID string) (*types.Session, []*types.Task, error) {
	var row sessionRow
	if err := tx.First(&row, "id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, types.NewErrorf(types.ErrSessionNotFound, "session %q not found", sessionID)
		}
		return nil, nil, types.NewError(types.ErrInternalError, "failed to load session").WithCause(err)
	}

	var taskRows []taskRow
	if err := tx.Where("session_id = ?", sessionID).Order("seq").Find(&taskRows).Error; err != nil {
		return nil, nil, types.NewError(types.ErrInternalError, "failed to load tasks").WithCause(err)
	}

	tasks := make([]*types.Task, 0, len(taskRows))
	taskIDs := make([]string, 0, len(taskRows))
	for i := range taskRows {
		task, err := taskRows[i].toTask()
		if err != nil {
			return nil, nil, types.NewError(types.ErrInternalError, "failed to decode task").WithCause(err)
		}
		tasks = append(tasks, task)
		taskIDs = append(taskIDs, task.ID)
	}

	sess, err := row.toSession(taskIDs)
	if err != nil {
		return nil, nil, types.NewError(types.ErrInternalError, "failed to decode session").WithCause(err)
	}
	return sess, tasks, nil
}
