package reconciler

import (
	"context"
	"fmt"
	"sort"

	"github.com/cfteam/coordinator/registry"
	"github.com/cfteam/coordinator/session"
	"github.com/cfteam/coordinator/types"
	"go.uber.org/zap"
)

// Reconciler propagates completed tasks' declared cross-project effects
// into follow-up tasks owned by each target project's integration crew.
type Reconciler struct {
	store    session.Store
	registry *registry.Registry
	logger   *zap.Logger
}

// New creates a reconciler over the given store and registry.
func New(store session.Store, reg *registry.Registry, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:    store,
		registry: reg,
		logger:   logger.With(zap.String("component", "reconciler")),
	}
}

// pendingEffect pairs one declared effect with the completed task that
// declared it.
type pendingEffect struct {
	source *types.Task
	effect types.ProjectEffect
}

// ReconcileSession scans the session for completed tasks declaring
// cross-project effects and appends one follow-up task per effect to
// the target project's integration crew, back-referenced through the
// task origin. Idempotent: effects that already have their follow-up
// are skipped.
//
// Conflict policy is last-writer-waits: follow-ups touching the same
// project resource form a dependency chain in completion order, so the
// second writer's reconciliation stays queued until the first's
// completes.
func (r *Reconciler) ReconcileSession(ctx context.Context, sessionID string) error {
	view, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	switch view.Status {
	case types.SessionAborted, types.SessionFailed:
		// Closed for appends; late effects stay unpropagated.
		return nil
	}

	pending := collectEffects(view.Tasks)
	if len(pending) == 0 {
		return nil
	}

	// Follow-ups already created in earlier passes, keyed by their
	// deterministic description.
	existing := make(map[string]string)
	for _, t := range view.Tasks {
		if t.Origin.Kind == types.OriginReconciliation {
			existing[t.Description] = t.ID
		}
	}

	// Chain tail per declared resource, rebuilt in the same
	// deterministic order every pass.
	tail := make(map[string]string)

	var firstErr error
	for _, p := range pending {
		project, err := r.registry.LookupProject(p.effect.Project)
		if err != nil {
			r.logger.Warn("effect targets unknown project",
				zap.String("session", sessionID),
				zap.String("task", p.source.ID),
				zap.String("project", p.effect.Project),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if project.IntegrationCrew == "" {
			// No designated crew, nothing to route the follow-up to.
			r.logger.Debug("project has no integration crew",
				zap.String("project", project.ID))
			continue
		}

		desc := followUpDescription(p.effect, p.source.ID)
		key := p.effect.Project + "/" + p.effect.Resource
		if id, ok := existing[desc]; ok {
			tail[key] = id
			continue
		}

		deps := []string{p.source.ID}
		if prev := tail[key]; prev != "" {
			deps = append(deps, prev)
		}
		task := &types.Task{
			CrewID:      project.IntegrationCrew,
			Description: desc,
			DependsOn:   deps,
			Origin: types.TaskOrigin{
				Kind:          types.OriginReconciliation,
				DelegatedFrom: p.source.ID,
			},
		}
		if err := r.store.AppendTask(ctx, sessionID, task); err != nil {
			r.logger.Error("failed to append reconciliation task",
				zap.String("session", sessionID),
				zap.String("task", p.source.ID),
				zap.String("project", p.effect.Project),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		tail[key] = task.ID

		r.logger.Info("reconciliation task created",
			zap.String("session", sessionID),
			zap.String("source_task", p.source.ID),
			zap.String("follow_up", task.ID),
			zap.String("project", p.effect.Project),
			zap.String("resource", p.effect.Resource),
			zap.String("crew", project.IntegrationCrew),
			zap.Int("deps", len(deps)),
		)
	}
	return firstErr
}

// collectEffects gathers (source task, effect) pairs from completed
// tasks, ordered by completion time so resource chains reflect the
// order writers actually finished in. Follow-up tasks themselves are
// skipped: reconciliation does not cascade.
func collectEffects(tasks []*types.Task) []pendingEffect {
	var sources []*types.Task
	for _, t := range tasks {
		if t.State != types.TaskCompleted || t.Result == nil || len(t.Result.Effects) == 0 {
			continue
		}
		if t.Origin.Kind == types.OriginReconciliation {
			continue
		}
		sources = append(sources, t)
	}
	sort.SliceStable(sources, func(i, j int) bool {
		a, b := sources[i].CompletedAt, sources[j].CompletedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(*b):
			return a.Before(*b)
		}
		return sources[i].ID < sources[j].ID
	})

	var pending []pendingEffect
	for _, src := range sources {
		for _, eff := range src.Result.Effects {
			pending = append(pending, pendingEffect{source: src, effect: eff})
		}
	}
	return pending
}

// followUpDescription is the deterministic identity of one follow-up,
// doubling as its executor-visible description.
func followUpDescription(effect types.ProjectEffect, sourceTaskID string) string {
	return fmt.Sprintf("reconcile %s in project %s (after task %s)",
		effect.Resource, effect.Project, sourceTaskID)
}
