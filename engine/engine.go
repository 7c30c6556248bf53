package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cfteam/coordinator/coordinator"
	"github.com/cfteam/coordinator/crew"
	"github.com/cfteam/coordinator/internal/metrics"
	"github.com/cfteam/coordinator/ratelimit"
	"github.com/cfteam/coordinator/reconciler"
	"github.com/cfteam/coordinator/registry"
	"github.com/cfteam/coordinator/session"
	"github.com/cfteam/coordinator/types"
)

// TaskSpec describes one task of a session request.
type TaskSpec struct {
	ID                 string        `yaml:"id" json:"id"`
	CrewID             string        `yaml:"crew" json:"crew"`
	Description        string        `yaml:"description" json:"description"`
	RequiredCapability string        `yaml:"required_capability" json:"required_capability"`
	DependsOn          []string      `yaml:"depends_on" json:"depends_on"`
	Timeout            time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries         int           `yaml:"max_retries" json:"max_retries"`
}

// SessionRequest is the payload of CreateSession.
type SessionRequest struct {
	Projects []string   `yaml:"projects" json:"projects"`
	Tasks    []TaskSpec `yaml:"tasks" json:"tasks"`
}

// Config tunes the engine and its collaborators.
type Config struct {
	Coordinator coordinator.Config `yaml:"coordinator" json:"coordinator"`
	CrewRun     crew.Config        `yaml:"crew_run" json:"crew_run"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Coordinator: coordinator.DefaultConfig(),
		CrewRun:     crew.DefaultConfig(),
	}
}

// Engine is the externally invocable surface of the coordination
// system: CreateSession, GetSessionStatus, AbortSession. It owns one
// worker goroutine per live session, which drives crew runners over
// the shared store until the session reaches a terminal status and the
// notification sink has been told.
type Engine struct {
	store      session.Store
	registry   *registry.Registry
	coord      *coordinator.Coordinator
	reconciler *reconciler.Reconciler
	metrics    *metrics.Collector
	sink       NotificationSink
	config     Config
	logger     *zap.Logger

	mu      sync.Mutex
	workers map[string]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// New wires the engine from its collaborators. The executor is the
// opaque external execution collaborator; sink may be nil, in which
// case terminal transitions are only logged.
func New(store session.Store, reg *registry.Registry, limiter *ratelimit.Limiter,
	executor coordinator.Executor, collector *metrics.Collector, sink NotificationSink,
	config Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = NewLoggingSink(logger)
	}
	return &Engine{
		store:      store,
		registry:   reg,
		coord:      coordinator.New(store, reg, limiter, executor, collector, config.Coordinator, logger),
		reconciler: reconciler.New(store, reg, logger),
		metrics:    collector,
		sink:       sink,
		config:     config,
		workers:    make(map[string]struct{}),
		logger:     logger.With(zap.String("component", "engine")),
	}
}

// CreateSession validates the request, persists the session with its
// task graph, and starts a worker driving it. The returned view
// reflects the freshly created state.
func (e *Engine) CreateSession(ctx context.Context, req SessionRequest) (*types.SessionView, error) {
	if len(req.Tasks) == 0 {
		return nil, types.NewError(types.ErrInternalError, "session request carries no tasks")
	}
	for _, project := range req.Projects {
		if _, err := e.registry.LookupProject(project); err != nil {
			return nil, err
		}
	}
	for _, spec := range req.Tasks {
		if _, err := e.registry.LookupCrew(spec.CrewID); err != nil {
			return nil, err
		}
	}

	sess, err := e.store.CreateSession(ctx, req.Projects)
	if err != nil {
		return nil, err
	}

	tasks := make([]*types.Task, len(req.Tasks))
	for i, spec := range req.Tasks {
		tasks[i] = &types.Task{
			ID:                 spec.ID,
			CrewID:             spec.CrewID,
			Description:        spec.Description,
			RequiredCapability: spec.RequiredCapability,
			DependsOn:          spec.DependsOn,
			Timeout:            spec.Timeout,
			MaxRetries:         spec.MaxRetries,
		}
	}
	if err := e.store.AppendTasks(ctx, sess.ID, tasks); err != nil {
		// Roll the empty session back so it does not linger as pending.
		if abortErr := e.store.AbortSession(ctx, sess.ID); abortErr != nil {
			e.logger.Warn("failed to abort session after rejected task graph",
				zap.String("session", sess.ID), zap.Error(abortErr))
		}
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.SessionsStarted.Inc()
	}
	e.logger.Info("session created",
		zap.String("session", sess.ID),
		zap.Int("tasks", len(tasks)),
		zap.Strings("projects", req.Projects),
	)

	e.spawnWorker(sess.ID)
	return e.store.GetSession(ctx, sess.ID)
}

// GetSessionStatus returns the session view with its derived status.
func (e *Engine) GetSessionStatus(ctx context.Context, sessionID string) (*types.SessionView, error) {
	return e.store.GetSession(ctx, sessionID)
}

// AbortSession marks the session aborted. Crew runners stop issuing
// new dispatches once they observe the aborted status; in-flight
// external executions are not force-killed and late completions are
// recorded without reviving the session.
func (e *Engine) AbortSession(ctx context.Context, sessionID string) error {
	if err := e.store.AbortSession(ctx, sessionID); err != nil {
		return err
	}
	e.logger.Info("session aborted", zap.String("session", sessionID))
	return nil
}

// ResumeActiveSessions spawns workers for every non-terminal session
// found in the store, picking up where a previous process left off.
func (e *Engine) ResumeActiveSessions(ctx context.Context) (int, error) {
	ids, err := e.store.ListActiveSessions(ctx)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		e.spawnWorker(id)
	}
	if len(ids) > 0 {
		e.logger.Info("resumed active sessions", zap.Int("sessions", len(ids)))
	}
	return len(ids), nil
}

// Wait blocks until every session worker has finished. Intended for
// tests and orderly shutdown after the last session turned terminal.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close stops accepting new sessions and waits for running workers.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.wg.Wait()
	return nil
}

// spawnWorker starts the per-session driver unless one is already
// running or the engine is shutting down.
func (e *Engine) spawnWorker(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if _, running := e.workers[sessionID]; running {
		return
	}
	e.workers[sessionID] = struct{}{}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.workers, sessionID)
			e.mu.Unlock()
		}()
		e.runSession(context.Background(), sessionID)
	}()
}

// runSession drives one session to a terminal status: repeated waves
// of crew runners, one per crew with non-terminal tasks. Reconciliation
// follow-ups appended at the end of a wave simply produce another wave.
func (e *Engine) runSession(ctx context.Context, sessionID string) {
	logger := e.logger.With(zap.String("session", sessionID))

	for {
		view, err := e.store.GetSession(ctx, sessionID)
		if err != nil {
			logger.Error("session worker lost its session", zap.Error(err))
			return
		}
		if view.Status.IsTerminal() {
			e.finalize(view, logger)
			return
		}

		crewIDs := activeCrews(view.Tasks)
		if len(crewIDs) == 0 {
			// Pending session without dispatchable work yet.
			if !sleepCtx(ctx, e.config.CrewRun.PollInterval) {
				return
			}
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, crewID := range crewIDs {
			c, err := e.registry.LookupCrew(crewID)
			if err != nil {
				e.failCrewTasks(ctx, view, crewID, types.ErrUnknownCrew)
				continue
			}
			g.Go(func() error {
				runner := crew.NewRunner(c, sessionID, e.coord, e.store, e.reconciler, e.config.CrewRun, e.logger)
				phase, err := runner.Run(gctx)
				if err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("crew run failed",
						zap.String("crew", c.ID),
						zap.String("phase", string(phase)),
						zap.Error(err),
					)
				}
				return nil
			})
		}
		_ = g.Wait()
	}
}

// finalize reports a terminal session to metrics and the sink.
func (e *Engine) finalize(view *types.SessionView, logger *zap.Logger) {
	if e.metrics != nil {
		e.metrics.SessionsFinished.WithLabelValues(string(view.Status)).Inc()
	}
	logger.Info("session finished",
		zap.String("status", string(view.Status)),
		zap.Int("tasks", len(view.Tasks)),
		zap.Int("failures", len(view.Failures)),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.sink.NotifySessionTerminal(ctx, view)
}

// failCrewTasks terminally fails every queued task of a crew that can
// never run, so the session does not hang on them.
func (e *Engine) failCrewTasks(ctx context.Context, view *types.SessionView, crewID string, errCode types.ErrorCode) {
	for _, t := range view.Tasks {
		if t.CrewID != crewID || t.State != types.TaskQueued {
			continue
		}
		if err := e.coord.FailQueued(ctx, t.ID, errCode); err != nil {
			e.logger.Error("failed to close undispatchable task",
				zap.String("task", t.ID), zap.Error(err))
		}
	}
}

// activeCrews returns the crews that still own non-terminal tasks.
func activeCrews(tasks []*types.Task) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range tasks {
		if t.IsTerminal() && !t.ShouldRetry() {
			continue
		}
		if !seen[t.CrewID] {
			seen[t.CrewID] = true
			out = append(out, t.CrewID)
		}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
