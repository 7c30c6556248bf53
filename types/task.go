package types

import (
	"encoding/json"
	"time"
)

// TaskState represents the lifecycle state of a task.
type TaskState string

const (
	// TaskQueued indicates the task is waiting for dispatch.
	TaskQueued TaskState = "queued"

	// TaskAssigned indicates the task has been handed to an agent
	// but execution has not started.
	TaskAssigned TaskState = "assigned"

	// TaskRunning indicates the external executor is working on the
	// task.
	TaskRunning TaskState = "running"

	// TaskCompleted indicates the task finished successfully.
	TaskCompleted TaskState = "completed"

	// TaskFailed indicates the task failed. It is terminal unless a
	// retry budget remains, in which case the coordinator moves it
	// through retried back to queued.
	TaskFailed TaskState = "failed"

	// TaskRetried is the transient state between a failed attempt
	// and re-queueing.
	TaskRetried TaskState = "retried"
)

// taskTransitions is the allowed transition graph. The only backward
// edge is failed -> retried -> queued, bounded by the retry budget.
// queued -> failed covers tasks that can never dispatch (no eligible
// agent).
var taskTransitions = map[TaskState][]TaskState{
	TaskQueued:    {TaskAssigned, TaskFailed},
	TaskAssigned:  {TaskRunning},
	TaskRunning:   {TaskCompleted, TaskFailed},
	TaskFailed:    {TaskRetried},
	TaskRetried:   {TaskQueued},
	TaskCompleted: {},
}

// CanTransition reports whether the state machine permits moving from
// s to next.
func (s TaskState) CanTransition(next TaskState) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state ends a task's lifecycle.
// A failed task is only observed in this state once its retry budget
// is exhausted; retryable failures pass through transiently.
func (s TaskState) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// OriginKind distinguishes directly created tasks from tasks spawned
// through hierarchical delegation.
type OriginKind string

const (
	// OriginDirect marks a task created by a session request or the
	// reconciler.
	OriginDirect OriginKind = "direct"

	// OriginDelegated marks a task spawned by a manager agent.
	OriginDelegated OriginKind = "delegated"

	// OriginReconciliation marks a follow-up task created by the
	// cross-project reconciler. DelegatedFrom holds the originating
	// task as the back-reference.
	OriginReconciliation OriginKind = "reconciliation"
)

// TaskOrigin is a tagged union recording where a task came from. For
// delegated tasks it carries the source task and the delegation depth,
// which bounds recursive hand-off.
type TaskOrigin struct {
	Kind OriginKind `json:"kind"`

	// DelegatedFrom is the task that spawned this one. Empty for
	// direct tasks.
	DelegatedFrom string `json:"delegated_from,omitempty"`

	// Depth is the length of the delegation chain up to and
	// including this task. Zero for direct tasks.
	Depth int `json:"depth,omitempty"`
}

// ProjectEffect declares that a completed task touched a resource in
// another project and needs reconciliation there.
type ProjectEffect struct {
	Project  string `json:"project"`
	Resource string `json:"resource"`
}

// DelegationSpec describes a sub-task a manager agent wants spawned
// instead of answering directly.
type DelegationSpec struct {
	Description        string   `json:"description"`
	RequiredCapability string   `json:"required_capability,omitempty"`
	DependsOn          []string `json:"depends_on,omitempty"`
}

// TaskResult is the opaque payload returned by the external executor,
// plus the declared cross-project effects the reconciler acts on and
// any delegations a manager agent requested.
type TaskResult struct {
	Output  json.RawMessage `json:"output,omitempty"`
	Effects []ProjectEffect `json:"effects,omitempty"`

	// Delegations is only honored when the executing agent is allowed
	// to delegate (hierarchical crew managers).
	Delegations []DelegationSpec `json:"delegations,omitempty"`
}

// Task is the atomic unit of scheduled work, owned by a session and
// assigned to a crew and ultimately an agent.
type Task struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	CrewID    string `json:"crew_id"`

	// AgentID is empty until the task is dispatched.
	AgentID string `json:"agent_id,omitempty"`

	// Description is handed verbatim to the external executor.
	Description string `json:"description,omitempty"`

	// RequiredCapability filters eligible crew members. Empty means
	// any member qualifies.
	RequiredCapability string `json:"required_capability,omitempty"`

	// DependsOn lists tasks that must complete before this one may
	// run.
	DependsOn []string `json:"depends_on,omitempty"`

	State TaskState `json:"state"`

	// Result is set on completion.
	Result *TaskResult `json:"result,omitempty"`

	// ErrorCode records the originating failure kind for terminally
	// failed tasks.
	ErrorCode ErrorCode `json:"error_code,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	Origin TaskOrigin `json:"origin"`

	// Timeout bounds a single external execution attempt. Zero
	// falls back to the engine default.
	Timeout time.Duration `json:"timeout,omitempty"`

	// PriorOutputs carries earlier results of the same crew run when
	// the crew's memory flag is set. Populated at dispatch time, never
	// persisted.
	PriorOutputs []TaskResult `json:"-" gorm:"-"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// DefaultTaskTimeout bounds one external execution attempt.
const DefaultTaskTimeout = 5 * time.Minute

// DefaultMaxRetries is the retry budget applied when a task does not
// set its own.
const DefaultMaxRetries = 3

// EffectiveTimeout returns the configured attempt timeout or the
// default.
func (t *Task) EffectiveTimeout() time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return DefaultTaskTimeout
}

// IsTerminal reports whether the task reached a terminal state.
func (t *Task) IsTerminal() bool {
	return t.State.IsTerminal()
}

// retryableFailures lists the failure kinds worth another attempt.
// Ineligibility and depth violations are permanent: repeating the
// dispatch cannot change the outcome.
var retryableFailures = map[ErrorCode]bool{
	ErrExternalExecutionTimeout: true,
	ErrInternalError:            true,
}

// ShouldRetry reports whether a failed task still has retry budget and
// failed for a transient reason.
func (t *Task) ShouldRetry() bool {
	return t.State == TaskFailed && t.RetryCount < t.MaxRetries && retryableFailures[t.ErrorCode]
}

// Ready reports whether every dependency is in the completed set.
func (t *Task) Ready(completed map[string]bool) bool {
	for _, dep := range t.DependsOn {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// DelegationEdge records that a task spawned a sub-task owned by a
// different agent. Edges reconstruct audit trails and bound delegation
// depth; source and target must belong to the same session.
type DelegationEdge struct {
	SourceTaskID string    `json:"source_task_id"`
	TargetTaskID string    `json:"target_task_id"`
	CreatedAt    time.Time `json:"created_at"`
}
