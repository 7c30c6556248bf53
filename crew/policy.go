package crew

import (
	"github.com/cfteam/coordinator/types"
)

// assignment pairs a ready task with the agent chosen to run it.
type assignment struct {
	task  *types.Task
	agent string
}

// rejection marks a ready task that can never dispatch.
type rejection struct {
	task    *types.Task
	errCode types.ErrorCode
}

// plan is one scheduling round's decision.
type plan struct {
	assignments []assignment
	rejections  []rejection
}

// schedulePolicy answers "which ready tasks may dispatch now" for one
// topology. Policies only select; the coordinator still applies the
// rate limit and concurrency budget gates at dispatch.
type schedulePolicy interface {
	plan(r *Runner, ready []*types.Task) plan
}

func policyFor(topology types.Topology) schedulePolicy {
	switch topology {
	case types.TopologyParallel:
		return parallelPolicy{}
	case types.TopologyHierarchical:
		return hierarchicalPolicy{}
	default:
		return sequentialPolicy{}
	}
}

// sequentialPolicy allows a single in-flight task per crew run and
// walks the member list in declared order, skipping members that do
// not cover the task's capability. A task is rejected only when no
// member at all covers it.
type sequentialPolicy struct{}

func (sequentialPolicy) plan(r *Runner, ready []*types.Task) plan {
	if r.inFlightCount() > 0 || len(ready) == 0 {
		return plan{}
	}

	task := ready[0]
	eligible, err := r.coord.EligibleAgents(task, r.crew.Members)
	if err != nil {
		return plan{rejections: []rejection{{task: task, errCode: types.GetErrorCode(err)}}}
	}
	eligibleSet := make(map[string]bool, len(eligible))
	for _, id := range eligible {
		eligibleSet[id] = true
	}

	n := len(r.crew.Members)
	start := r.cursorValue()
	for i := 0; i < n; i++ {
		member := r.crew.Members[(start+i)%n]
		if eligibleSet[member] {
			// Skipped members lose their turn.
			r.advanceCursorBy(i)
			return plan{assignments: []assignment{{task: task, agent: member}}}
		}
	}
	return plan{}
}

// parallelPolicy hands any ready task to any eligible idle member,
// bounded by min(eligible idle agents, ready tasks).
type parallelPolicy struct{}

func (parallelPolicy) plan(r *Runner, ready []*types.Task) plan {
	var p plan
	claimed := make(map[string]bool)

	for _, task := range ready {
		eligible, err := r.coord.EligibleAgents(task, r.crew.Members)
		if err != nil {
			p.rejections = append(p.rejections, rejection{task: task, errCode: types.GetErrorCode(err)})
			continue
		}

		var picked string
		for _, agent := range r.coord.IdleAgents(eligible) {
			if !claimed[agent] {
				picked = agent
				break
			}
		}
		if picked == "" {
			// Every eligible member is busy; the task stays queued.
			continue
		}
		claimed[picked] = true
		p.assignments = append(p.assignments, assignment{task: task, agent: picked})
	}
	return p
}

// hierarchicalPolicy funnels direct tasks through the manager, who
// may delegate sub-tasks instead of executing them. Delegated
// sub-tasks and reconciliation follow-ups go to a capability-eligible
// idle member; the manager only picks such work up when they are the
// sole eligible member. A task is rejected only when no member at all
// covers its capability; a direct task reaches the manager regardless
// of the manager's own capability set.
type hierarchicalPolicy struct{}

func (hierarchicalPolicy) plan(r *Runner, ready []*types.Task) plan {
	var p plan
	claimed := make(map[string]bool)

	for _, task := range ready {
		eligible, err := r.coord.EligibleAgents(task, r.crew.Members)
		if err != nil {
			p.rejections = append(p.rejections, rejection{task: task, errCode: types.GetErrorCode(err)})
			continue
		}

		if task.Origin.Kind == types.OriginDirect {
			p.assignments = append(p.assignments, assignment{task: task, agent: r.crew.ManagerID})
			continue
		}

		picked := pickWorker(r.coord.IdleAgents(eligible), r.crew.ManagerID, claimed)
		if picked == "" {
			// Every eligible member is busy; the task stays queued.
			continue
		}
		claimed[picked] = true
		p.assignments = append(p.assignments, assignment{task: task, agent: picked})
	}
	return p
}

// pickWorker prefers a non-manager member for delegated work, falling
// back to the manager when nobody else is eligible and idle.
func pickWorker(idle []string, managerID string, claimed map[string]bool) string {
	fallback := ""
	for _, agent := range idle {
		if claimed[agent] {
			continue
		}
		if agent == managerID {
			fallback = agent
			continue
		}
		return agent
	}
	return fallback
}
