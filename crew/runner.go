package crew

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cfteam/coordinator/coordinator"
	"github.com/cfteam/coordinator/session"
	"github.com/cfteam/coordinator/types"
)

// Phase is the crew-run state machine:
// Idle -> Scheduling -> AwaitingAgents -> Reconciling -> Done|Aborted.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseScheduling     Phase = "scheduling"
	PhaseAwaitingAgents Phase = "awaiting_agents"
	PhaseReconciling    Phase = "reconciling"
	PhaseDone           Phase = "done"
	PhaseAborted        Phase = "aborted"
)

// Reconciler propagates cross-project effects once a crew run's tasks
// have all reached a terminal state.
type Reconciler interface {
	ReconcileSession(ctx context.Context, sessionID string) error
}

// Config tunes a crew run.
type Config struct {
	// PollInterval paces the scheduling loop while tasks run
	// externally or wait on dependencies.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
}

// DefaultConfig returns the default crew-run configuration.
func DefaultConfig() Config {
	return Config{PollInterval: 100 * time.Millisecond}
}

// Runner drives one crew's participation in one session's task graph.
// It repeatedly asks the store for ready tasks, lets the topology
// policy decide which may dispatch now, and hands them to the
// coordinator. The store remains the single source of truth; the
// runner keeps no task state of its own beyond the scheduling cursor
// and the optional memory of prior outputs.
type Runner struct {
	crew       *types.Crew
	sessionID  string
	coord      *coordinator.Coordinator
	store      session.Store
	reconciler Reconciler
	policy     schedulePolicy
	config     Config
	logger     *zap.Logger

	mu       sync.Mutex
	phase    Phase
	cursor   int
	inFlight int
	memory   []types.TaskResult
}

// NewRunner creates a runner for one crew run. The reconciler is
// optional.
func NewRunner(c *types.Crew, sessionID string, coord *coordinator.Coordinator,
	store session.Store, reconciler Reconciler, config Config, logger *zap.Logger) *Runner {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		crew:       c,
		sessionID:  sessionID,
		coord:      coord,
		store:      store,
		reconciler: reconciler,
		policy:     policyFor(c.Topology),
		config:     config,
		phase:      PhaseIdle,
		logger: logger.With(
			zap.String("component", "crew_runner"),
			zap.String("crew", c.ID),
			zap.String("session", sessionID),
		),
	}
}

// Phase returns the current run phase.
func (r *Runner) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Run drives the crew until every owned task is terminal or the
// session ends. It returns the final phase.
func (r *Runner) Run(ctx context.Context) (Phase, error) {
	r.setPhase(PhaseScheduling)
	r.logger.Info("crew run started", zap.String("topology", string(r.crew.Topology)))

	for {
		if err := ctx.Err(); err != nil {
			return r.Phase(), err
		}

		view, err := r.store.GetSession(ctx, r.sessionID)
		if err != nil {
			return r.Phase(), err
		}

		mine := r.ownTasks(view.Tasks)
		if view.Status.IsTerminal() || (len(mine) > 0 && allTerminal(mine)) {
			return r.finish(ctx, view.Status, mine)
		}

		ready, err := r.store.ListReadyTasks(ctx, r.sessionID)
		if err != nil {
			return r.Phase(), err
		}

		p := r.policy.plan(r, r.ownTasks(ready))
		for _, rej := range p.rejections {
			r.logger.Warn("task cannot dispatch",
				zap.String("task", rej.task.ID),
				zap.String("error_code", string(rej.errCode)),
			)
			if err := r.coord.FailQueued(ctx, rej.task.ID, rej.errCode); err != nil {
				return r.Phase(), err
			}
		}

		if len(p.assignments) == 0 {
			// Dependencies unresolved or members busy: wait and re-plan.
			r.setPhase(PhaseAwaitingAgents)
			if !r.sleep(ctx, r.config.PollInterval) {
				return r.Phase(), ctx.Err()
			}
			r.setPhase(PhaseScheduling)
			continue
		}

		r.setPhase(PhaseAwaitingAgents)
		wait, err := r.dispatchBatch(ctx, p.assignments)
		if err != nil {
			return r.Phase(), err
		}
		r.setPhase(PhaseScheduling)

		if wait > 0 {
			if !r.sleep(ctx, wait) {
				return r.Phase(), ctx.Err()
			}
		}
	}
}

// dispatchBatch runs one round of dispatches concurrently and returns
// the backoff to apply when every attempt was deferred.
func (r *Runner) dispatchBatch(ctx context.Context, assignments []assignment) (time.Duration, error) {
	var (
		mu       sync.Mutex
		deferred int
		minHint  time.Duration
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range assignments {
		a := a
		if r.crew.Memory {
			a.task.PriorOutputs = r.memorySnapshot()
		}

		r.trackInFlight(1)
		g.Go(func() error {
			defer r.trackInFlight(-1)

			res, err := r.coord.Dispatch(gctx, a.task, a.agent)
			if err != nil {
				r.logger.Error("dispatch failed",
					zap.String("task", a.task.ID),
					zap.String("agent", a.agent),
					zap.Error(err),
				)
				return err
			}

			switch res.Outcome {
			case coordinator.OutcomeDeferred:
				mu.Lock()
				deferred++
				if minHint == 0 || res.WaitHint < minHint {
					minHint = res.WaitHint
				}
				mu.Unlock()
			case coordinator.OutcomeCompleted:
				r.advanceCursor()
				r.remember(gctx, a.task.ID)
			case coordinator.OutcomeFailed:
				r.advanceCursor()
			case coordinator.OutcomeRetrying:
				// A retried task stays with the same member.
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}
	if deferred == len(assignments) && minHint > 0 {
		return minHint, nil
	}
	return 0, nil
}

// finish runs the reconciling phase and settles on Done or Aborted.
func (r *Runner) finish(ctx context.Context, status types.SessionStatus, mine []*types.Task) (Phase, error) {
	if status == types.SessionAborted {
		r.setPhase(PhaseAborted)
		r.logger.Info("crew run aborted with session")
		return PhaseAborted, nil
	}

	r.setPhase(PhaseReconciling)
	if r.reconciler != nil {
		if err := r.reconciler.ReconcileSession(ctx, r.sessionID); err != nil {
			r.logger.Warn("reconciliation failed", zap.Error(err))
		}
	}

	if allCompleted(mine) {
		r.setPhase(PhaseDone)
		r.logger.Info("crew run done", zap.Int("tasks", len(mine)))
		return PhaseDone, nil
	}
	r.setPhase(PhaseAborted)
	r.logger.Info("crew run aborted", zap.Int("tasks", len(mine)))
	return PhaseAborted, nil
}

// ownTasks filters a task list down to this crew's tasks.
func (r *Runner) ownTasks(tasks []*types.Task) []*types.Task {
	var mine []*types.Task
	for _, t := range tasks {
		if t.CrewID == r.crew.ID {
			mine = append(mine, t)
		}
	}
	return mine
}

// remember records a completed task's result for later tasks when the
// crew's memory flag is set.
func (r *Runner) remember(ctx context.Context, taskID string) {
	if !r.crew.Memory {
		return
	}
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil || task.Result == nil {
		return
	}
	r.mu.Lock()
	r.memory = append(r.memory, *task.Result)
	r.mu.Unlock()
}

func (r *Runner) memorySnapshot() []types.TaskResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.TaskResult(nil), r.memory...)
}

func (r *Runner) setPhase(p Phase) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
}

func (r *Runner) trackInFlight(delta int) {
	r.mu.Lock()
	r.inFlight += delta
	r.mu.Unlock()
}

func (r *Runner) inFlightCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight
}

func (r *Runner) advanceCursor() {
	r.mu.Lock()
	r.cursor++
	r.mu.Unlock()
}

func (r *Runner) advanceCursorBy(n int) {
	if n == 0 {
		return
	}
	r.mu.Lock()
	r.cursor += n
	r.mu.Unlock()
}

func (r *Runner) cursorValue() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func allTerminal(tasks []*types.Task) bool {
	for _, t := range tasks {
		if !t.IsTerminal() || t.ShouldRetry() {
			return false
		}
	}
	return true
}

func allCompleted(tasks []*types.Task) bool {
	for _, t := range tasks {
		if t.State != types.TaskCompleted {
			return false
		}
	}
	return true
}
