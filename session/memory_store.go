package session

import (
	"context"
	"sync"
	"time"

	"github.com/cfteam/coordinator/types"
	"github.com/google/uuid"
)

// MemoryStore is an in-memory implementation of Store. Suitable for
// development and testing. Data is lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*types.Session
	tasks    map[string]*types.Task
	edges    []types.DelegationEdge
	closed   bool
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*types.Session),
		tasks:    make(map[string]*types.Task),
	}
}

// Close closes the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is healthy.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return types.NewError(types.ErrStoreClosed, "memory store is closed")
	}
	return nil
}

// CreateSession opens a new session.
func (s *MemoryStore) CreateSession(ctx context.Context, projects []string) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, types.NewError(types.ErrStoreClosed, "memory store is closed")
	}

	now := time.Now()
	sess := &types.Session{
		ID:        uuid.New().String(),
		Projects:  append([]string(nil), projects...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[sess.ID] = sess
	return cloneSession(sess), nil
}

// GetSession returns the session with tasks and derived status.
func (s *MemoryStore) GetSession(ctx context.Context, sessionID string) (*types.SessionView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, types.NewErrorf(types.ErrSessionNotFound, "session %q not found", sessionID)
	}
	return s.viewLocked(sess), nil
}

// AppendTask adds a single task to a session.
func (s *MemoryStore) AppendTask(ctx context.Context, sessionID string, task *types.Task) error {
	return s.AppendTasks(ctx, sessionID, []*types.Task{task})
}

// AppendTasks adds a batch of tasks atomically.
func (s *MemoryStore) AppendTasks(ctx context.Context, sessionID string, tasks []*types.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return types.NewErrorf(types.ErrSessionNotFound, "session %q not found", sessionID)
	}
	// A completed session may still receive reconciliation follow-ups,
	// which re-derive it back to running. Aborted and failed sessions
	// are closed for good.
	switch status := types.DeriveSessionStatus(sess.Aborted, s.tasksLocked(sess)); status {
	case types.SessionAborted, types.SessionFailed:
		return types.NewErrorf(types.ErrSessionClosed, "session %q is %s", sessionID, status)
	}

	batch := make([]*types.Task, 0, len(tasks))
	now := time.Now()
	for _, task := range tasks {
		t := cloneTask(task)
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		if _, dup := s.tasks[t.ID]; dup {
			return types.NewErrorf(types.ErrInternalError, "task %q already exists", t.ID)
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

	if err := validateGraph(graphWith(s.tasksLocked(sess), batch)); err != nil {
		return err
	}

	for _, t := range batch {
		s.tasks[t.ID] = t
		sess.TaskIDs = append(sess.TaskIDs, t.ID)
		// Propagate the caller's identifiers back.
	}
	for i, t := range batch {
		tasks[i].ID = t.ID
		tasks[i].SessionID = sessionID
	}
	sess.UpdatedAt = now
	return nil
}

// GetTask returns a task by identifier.
func (s *MemoryStore) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, types.NewErrorf(types.ErrTaskNotFound, "task %q not found", taskID)
	}
	return cloneTask(task), nil
}

// AssignTask moves a queued task to assigned and records the agent.
func (s *MemoryStore) AssignTask(ctx context.Context, taskID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return types.NewErrorf(types.ErrTaskNotFound, "task %q not found", taskID)
	}
	if !task.State.CanTransition(types.TaskAssigned) {
		return types.NewErrorf(types.ErrIllegalTransition, "task %q cannot move %s -> %s", taskID, task.State, types.TaskAssigned)
	}

	task.AgentID = agentID
	applyTransition(task, types.TaskAssigned, nil, "", time.Now())
	return nil
}

// UpdateTaskState advances a task through its state machine.
func (s *MemoryStore) UpdateTaskState(ctx context.Context, taskID string, next types.TaskState, result *types.TaskResult, errCode types.ErrorCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return types.NewErrorf(types.ErrTaskNotFound, "task %q not found", taskID)
	}

	if !task.State.CanTransition(next) {
		return types.NewErrorf(types.ErrIllegalTransition, "task %q cannot move %s -> %s", taskID, task.State, next)
	}
	if next == types.TaskRetried && !task.ShouldRetry() {
		return types.NewErrorf(types.ErrIllegalTransition, "task %q is not retryable (%d/%d, %s)",
			taskID, task.RetryCount, task.MaxRetries, task.ErrorCode)
	}

	applyTransition(task, next, result, errCode, time.Now())

	if sess, ok := s.sessions[task.SessionID]; ok {
		sess.UpdatedAt = task.UpdatedAt
	}
	return nil
}

// ListReadyTasks returns dispatchable tasks of a session.
func (s *MemoryStore) ListReadyTasks(ctx context.Context, sessionID string) ([]*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, types.NewErrorf(types.ErrSessionNotFound, "session %q not found", sessionID)
	}

	tasks := s.tasksLocked(sess)
	if types.DeriveSessionStatus(sess.Aborted, tasks).IsTerminal() {
		return nil, nil
	}

	completed := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.State == types.TaskCompleted {
			completed[t.ID] = true
		}
	}

	var ready []*types.Task
	for _, t := range tasks {
		if t.State == types.TaskQueued && t.Ready(completed) {
			ready = append(ready, cloneTask(t))
		}
	}
	return ready, nil
}

// AbortSession marks a session aborted.
func (s *MemoryStore) AbortSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return types.NewErrorf(types.ErrSessionNotFound, "session %q not found", sessionID)
	}
	if sess.Aborted {
		return nil
	}
	if status := types.DeriveSessionStatus(false, s.tasksLocked(sess)); status.IsTerminal() {
		return types.NewErrorf(types.ErrSessionClosed, "session %q is already %s", sessionID, status)
	}

	sess.Aborted = true
	sess.UpdatedAt = time.Now()
	return nil
}

// AddDelegationEdge records a delegation between two tasks.
func (s *MemoryStore) AddDelegationEdge(ctx context.Context, edge types.DelegationEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	source, ok := s.tasks[edge.SourceTaskID]
	if !ok {
		return types.NewErrorf(types.ErrTaskNotFound, "source task %q not found", edge.SourceTaskID)
	}
	target, ok := s.tasks[edge.TargetTaskID]
	if !ok {
		return types.NewErrorf(types.ErrTaskNotFound, "target task %q not found", edge.TargetTaskID)
	}
	if source.SessionID != target.SessionID {
		return types.NewErrorf(types.ErrInternalError,
			"delegation edge crosses sessions (%q -> %q)", source.SessionID, target.SessionID)
	}

	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now()
	}
	s.edges = append(s.edges, edge)
	return nil
}

// ListDelegationEdges returns delegation edges for a session.
func (s *MemoryStore) ListDelegationEdges(ctx context.Context, sessionID string) ([]types.DelegationEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var edges []types.DelegationEdge
	for _, e := range s.edges {
		if src, ok := s.tasks[e.SourceTaskID]; ok && src.SessionID == sessionID {
			edges = append(edges, e)
		}
	}
	return edges, nil
}

// ListActiveSessions returns non-terminal session identifiers.
func (s *MemoryStore) ListActiveSessions(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []string
	for id, sess := range s.sessions {
		if !types.DeriveSessionStatus(sess.Aborted, s.tasksLocked(sess)).IsTerminal() {
			active = append(active, id)
		}
	}
	return active, nil
}

func (s *MemoryStore) tasksLocked(sess *types.Session) []*types.Task {
	tasks := make([]*types.Task, 0, len(sess.TaskIDs))
	for _, id := range sess.TaskIDs {
		if t, ok := s.tasks[id]; ok {
			tasks = append(tasks, t)
		}
	}
	return tasks
}

func (s *MemoryStore) viewLocked(sess *types.Session) *types.SessionView {
	tasks := s.tasksLocked(sess)
	out := make([]*types.Task, len(tasks))
	for i, t := range tasks {
		out[i] = cloneTask(t)
	}
	status := types.DeriveSessionStatus(sess.Aborted, tasks)

	view := &types.SessionView{
		Session: cloneSession(sess),
		Status:  status,
		Tasks:   out,
	}
	if status == types.SessionFailed || status == types.SessionAborted {
		view.Failures = failuresOf(tasks)
	}
	return view
}

// applyTransition mutates a task for an already validated transition.
// Shared by the memory and GORM stores so both enforce identical
// bookkeeping.
func applyTransition(task *types.Task, next types.TaskState, result *types.TaskResult, errCode types.ErrorCode, now time.Time) {
	task.State = next
	touchTimestamps(task, next, now)

	switch next {
	case types.TaskCompleted:
		task.Result = result
		task.ErrorCode = ""
	case types.TaskFailed:
		if errCode != "" {
			task.ErrorCode = errCode
		} else {
			task.ErrorCode = types.ErrInternalError
		}
	case types.TaskRetried:
		task.RetryCount++
	case types.TaskQueued:
		// Re-queued after retry: clear the previous attempt.
		task.AgentID = ""
		task.StartedAt = nil
		task.CompletedAt = nil
	}
}

func cloneTask(t *types.Task) *types.Task {
	c := *t
	c.DependsOn = append([]string(nil), t.DependsOn...)
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	return &c
}

func cloneSession(s *types.Session) *types.Session {
	c := *s
	c.Projects = append([]string(nil), s.Projects...)
	c.TaskIDs = append([]string(nil), s.TaskIDs...)
	return &c
}
