// Package session provides durable storage for coordination sessions
// and their task graphs.
//
// The store is the single source of truth for task and session state.
// Every state transition goes through UpdateTaskState, which enforces
// the task state machine and commits atomically with any session-level
// consequence: no component ever observes a task change without its
// derived session status. Session status itself is never stored; it is
// recomputed from the owned tasks on every read to avoid divergence.
//
// Three implementations mirror the deployment spectrum: a GORM-backed
// store for production (postgres/mysql/sqlite), an in-memory store for
// development and tests, and a Redis read-through cache decorator.
package session

import (
	"context"
	"time"

	"github.com/cfteam/coordinator/types"
)

// Store is the durable, append-oriented session store.
type Store interface {
	// CreateSession opens a new session covering the given projects.
	CreateSession(ctx context.Context, projects []string) (*types.Session, error)

	// GetSession returns the session with its tasks and derived
	// status. Fails with SESSION_NOT_FOUND for unknown identifiers.
	GetSession(ctx context.Context, sessionID string) (*types.SessionView, error)

	// AppendTask adds a task to a session. Fails with
	// SESSION_NOT_FOUND or SESSION_CLOSED (aborted and failed sessions
	// accept no further tasks; a completed session may still receive
	// reconciliation follow-ups), and with DEPENDENCY_DEADLOCK when
	// the task would introduce a dependency cycle.
	AppendTask(ctx context.Context, sessionID string, task *types.Task) error

	// AppendTasks adds a batch of tasks atomically. Dependencies may
	// reference other tasks in the same batch; a dependency that
	// names neither an existing task nor a batch-mate is rejected
	// with DEPENDENCY_DEADLOCK, since it could never resolve.
	AppendTasks(ctx context.Context, sessionID string, tasks []*types.Task) error

	// GetTask returns a single task by identifier.
	GetTask(ctx context.Context, taskID string) (*types.Task, error)

	// AssignTask moves a queued task to assigned and records the
	// agent, atomically. Fails with ILLEGAL_TRANSITION when the
	// task is not queued.
	AssignTask(ctx context.Context, taskID, agentID string) error

	// UpdateTaskState advances a task through its state machine.
	// Illegal transitions fail with ILLEGAL_TRANSITION and leave
	// state unchanged. The failed->retried transition increments the
	// retry count; completed records the result payload; failed
	// records the originating error kind. A completion arriving
	// after the session was aborted is recorded but does not revive
	// the session.
	UpdateTaskState(ctx context.Context, taskID string, next types.TaskState, result *types.TaskResult, errCode types.ErrorCode) error

	// ListReadyTasks returns the queued tasks of a session whose
	// dependencies have all completed. Aborted and otherwise
	// terminal sessions yield nothing: their queued tasks are no
	// longer dispatchable.
	ListReadyTasks(ctx context.Context, sessionID string) ([]*types.Task, error)

	// AbortSession marks a session aborted. Idempotent; aborting a
	// session that already reached another terminal status fails
	// with SESSION_CLOSED.
	AbortSession(ctx context.Context, sessionID string) error

	// AddDelegationEdge records that one task spawned another.
	// Source and target must belong to the same session.
	AddDelegationEdge(ctx context.Context, edge types.DelegationEdge) error

	// ListDelegationEdges returns all delegation edges whose source
	// task belongs to the session.
	ListDelegationEdges(ctx context.Context, sessionID string) ([]types.DelegationEdge, error)

	// ListActiveSessions returns identifiers of sessions that are
	// not yet terminal.
	ListActiveSessions(ctx context.Context) ([]string, error)

	// Ping checks store health.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}

// failuresOf collects terminal failures for session-level reporting.
func failuresOf(tasks []*types.Task) []types.TaskFailure {
	var failures []types.TaskFailure
	for _, t := range tasks {
		if t.State == types.TaskFailed && !t.ShouldRetry() {
			failures = append(failures, types.TaskFailure{
				TaskID:    t.ID,
				ErrorCode: t.ErrorCode,
			})
		}
	}
	return failures
}

// touchTimestamps applies the bookkeeping a state change implies.
func touchTimestamps(task *types.Task, next types.TaskState, now time.Time) {
	task.UpdatedAt = now
	switch next {
	case types.TaskRunning:
		started := now
		task.StartedAt = &started
	case types.TaskCompleted, types.TaskFailed:
		completed := now
		task.CompletedAt = &completed
	}
}
