package types

import "time"

// SessionStatus represents the externally visible status of a
// coordination session. It is always derived from the owned tasks
// (plus the abort flag) and never stored independently.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionAborted   SessionStatus = "aborted"
)

// IsTerminal reports whether the status ends the session's lifecycle.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionAborted:
		return true
	default:
		return false
	}
}

// Session is the durable record of one coordination request and its
// task graph. Sessions are created on demand and removed only by
// explicit archival, never by the engine itself.
type Session struct {
	ID string `json:"id"`

	// Projects lists the project identifiers involved in this
	// session.
	Projects []string `json:"projects"`

	// TaskIDs is the ordered list of owned tasks.
	TaskIDs []string `json:"task_ids"`

	// Aborted is the only status input that cannot be derived from
	// tasks: an explicit abort sticks even if in-flight tasks later
	// complete.
	Aborted bool `json:"aborted"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeriveSessionStatus computes the session status from its tasks.
//
// The rules, in priority order: an aborted session stays aborted; a
// session with a terminally failed task is failed; a session whose
// tasks all completed is completed; any dispatched or partially
// complete work means running; otherwise pending.
func DeriveSessionStatus(aborted bool, tasks []*Task) SessionStatus {
	if aborted {
		return SessionAborted
	}
	if len(tasks) == 0 {
		return SessionPending
	}

	allCompleted := true
	anyProgress := false
	for _, t := range tasks {
		switch t.State {
		case TaskFailed:
			if !t.ShouldRetry() {
				return SessionFailed
			}
			allCompleted = false
			anyProgress = true
		case TaskCompleted:
			anyProgress = true
		case TaskAssigned, TaskRunning, TaskRetried:
			allCompleted = false
			anyProgress = true
		default:
			allCompleted = false
		}
	}

	if allCompleted {
		return SessionCompleted
	}
	if anyProgress {
		return SessionRunning
	}
	return SessionPending
}

// TaskFailure pairs a failed task with its originating error kind for
// session-level failure reporting.
type TaskFailure struct {
	TaskID    string    `json:"task_id"`
	ErrorCode ErrorCode `json:"error_code"`
	Message   string    `json:"message,omitempty"`
}

// SessionView is the read model returned to external callers: the
// session, its derived status, and the failure list when terminal.
type SessionView struct {
	Session  *Session      `json:"session"`
	Status   SessionStatus `json:"status"`
	Tasks    []*Task       `json:"tasks"`
	Failures []TaskFailure `json:"failures,omitempty"`
}
