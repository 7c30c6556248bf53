package crew

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cfteam/coordinator/coordinator"
	"github.com/cfteam/coordinator/ratelimit"
	"github.com/cfteam/coordinator/registry"
	"github.com/cfteam/coordinator/session"
	"github.com/cfteam/coordinator/types"
)

// recordingExecutor tracks execution order and concurrency.
type recordingExecutor struct {
	mu    sync.Mutex
	order []string
	byAgent map[string][]string

	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration

	fn func(ctx context.Context, task *types.Task) (*types.TaskResult, error)
}

func (e *recordingExecutor) Execute(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
	cur := e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	for {
		old := e.peak.Load()
		if cur <= old || e.peak.CompareAndSwap(old, cur) {
			break
		}
	}

	e.mu.Lock()
	e.order = append(e.order, task.ID)
	if e.byAgent == nil {
		e.byAgent = make(map[string][]string)
	}
	e.byAgent[task.AgentID] = append(e.byAgent[task.AgentID], task.ID)
	e.mu.Unlock()

	if e.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.delay):
		}
	}
	if e.fn != nil {
		return e.fn(ctx, task)
	}
	return &types.TaskResult{Output: json.RawMessage(fmt.Sprintf("%q", task.ID))}, nil
}

type harness struct {
	store session.Store
	reg   *registry.Registry
	coord *coordinator.Coordinator
	exec  *recordingExecutor
}

func newHarness(t *testing.T, agents []*types.Agent, crews []*types.Crew, exec *recordingExecutor) *harness {
	t.Helper()

	reg := registry.New(zap.NewNop())
	for _, a := range agents {
		require.NoError(t, reg.Register(a))
	}
	for _, c := range crews {
		require.NoError(t, reg.RegisterCrew(c))
	}

	store := session.NewMemoryStore()
	coord := coordinator.New(store, reg, ratelimit.New(reg, zap.NewNop()),
		exec, nil, coordinator.DefaultConfig(), zap.NewNop())
	return &harness{store: store, reg: reg, coord: coord, exec: exec}
}

func (h *harness) newSession(t *testing.T, crewID string, tasks []*types.Task) string {
	t.Helper()
	ctx := context.Background()
	sess, err := h.store.CreateSession(ctx, nil)
	require.NoError(t, err)
	for _, task := range tasks {
		task.CrewID = crewID
	}
	require.NoError(t, h.store.AppendTasks(ctx, sess.ID, tasks))
	return sess.ID
}

func fastConfig() Config {
	return Config{PollInterval: 5 * time.Millisecond}
}

func runCrew(t *testing.T, h *harness, crewID, sessionID string) Phase {
	t.Helper()
	c, err := h.reg.LookupCrew(crewID)
	require.NoError(t, err)

	runner := NewRunner(c, sessionID, h.coord, h.store, nil, fastConfig(), zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	phase, err := runner.Run(ctx)
	require.NoError(t, err)
	return phase
}

func TestRunner_SequentialChainExecutesInOrder(t *testing.T) {
	exec := &recordingExecutor{}
	h := newHarness(t,
		[]*types.Agent{{ID: "solo", MaxRPM: 60}},
		[]*types.Crew{{ID: "crew", Members: []string{"solo"}, Topology: types.TopologySequential}},
		exec,
	)

	sessionID := h.newSession(t, "crew", []*types.Task{
		{ID: "T1"},
		{ID: "T2", DependsOn: []string{"T1"}},
		{ID: "T3", DependsOn: []string{"T2"}},
	})

	phase := runCrew(t, h, "crew", sessionID)
	assert.Equal(t, PhaseDone, phase)
	assert.Equal(t, []string{"T1", "T2", "T3"}, exec.order)

	view, err := h.store.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionCompleted, view.Status)
}

func TestRunner_SequentialSingleInFlight(t *testing.T) {
	exec := &recordingExecutor{delay: 15 * time.Millisecond}
	h := newHarness(t,
		[]*types.Agent{
			{ID: "a1", MaxRPM: 600},
			{ID: "a2", MaxRPM: 600},
			{ID: "a3", MaxRPM: 600},
		},
		[]*types.Crew{{ID: "crew", Members: []string{"a1", "a2", "a3"}, Topology: types.TopologySequential}},
		exec,
	)

	// Independent tasks: only the topology limits concurrency.
	sessionID := h.newSession(t, "crew", []*types.Task{{ID: "T1"}, {ID: "T2"}, {ID: "T3"}})

	phase := runCrew(t, h, "crew", sessionID)
	assert.Equal(t, PhaseDone, phase)
	assert.Equal(t, int32(1), exec.peak.Load())

	// Members take turns in declared order.
	assert.Equal(t, []string{"T1"}, exec.byAgent["a1"])
	assert.Equal(t, []string{"T2"}, exec.byAgent["a2"])
	assert.Equal(t, []string{"T3"}, exec.byAgent["a3"])
}

func TestRunner_SequentialSkipsIneligibleMembers(t *testing.T) {
	exec := &recordingExecutor{}
	h := newHarness(t,
		[]*types.Agent{
			{ID: "a1", Capabilities: []string{"php"}, MaxRPM: 600},
			{ID: "a2", Capabilities: []string{"rust"}, MaxRPM: 600},
		},
		[]*types.Crew{{ID: "crew", Members: []string{"a1", "a2"}, Topology: types.TopologySequential}},
		exec,
	)

	// The cursor starts at a1, which cannot serve the task; the crew
	// still covers the capability, so a2 takes the turn.
	sessionID := h.newSession(t, "crew", []*types.Task{
		{ID: "T1", RequiredCapability: "rust"},
	})

	phase := runCrew(t, h, "crew", sessionID)
	assert.Equal(t, PhaseDone, phase)
	assert.Equal(t, []string{"T1"}, exec.byAgent["a2"])
	assert.Empty(t, exec.byAgent["a1"])

	task, err := h.store.GetTask(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, task.State)
}

func TestRunner_SequentialRetryStaysWithSameMember(t *testing.T) {
	var t1Attempts atomic.Int32
	exec := &recordingExecutor{
		fn: func(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
			if task.ID == "T1" && t1Attempts.Add(1) == 1 {
				return nil, types.NewError(types.ErrInternalError, "flaky")
			}
			return &types.TaskResult{}, nil
		},
	}
	h := newHarness(t,
		[]*types.Agent{
			{ID: "a1", MaxRPM: 600},
			{ID: "a2", MaxRPM: 600},
		},
		[]*types.Crew{{ID: "crew", Members: []string{"a1", "a2"}, Topology: types.TopologySequential}},
		exec,
	)

	sessionID := h.newSession(t, "crew", []*types.Task{
		{ID: "T1", MaxRetries: 1},
		{ID: "T2", DependsOn: []string{"T1"}},
	})

	phase := runCrew(t, h, "crew", sessionID)
	assert.Equal(t, PhaseDone, phase)

	// The retried attempt does not move the turn to the next member.
	assert.Equal(t, []string{"T1", "T1"}, exec.byAgent["a1"])
	assert.Equal(t, []string{"T2"}, exec.byAgent["a2"])
}

func TestRunner_ParallelBoundedByEligibleAgents(t *testing.T) {
	exec := &recordingExecutor{delay: 20 * time.Millisecond}
	h := newHarness(t,
		[]*types.Agent{
			{ID: "a1", MaxRPM: 600},
			{ID: "a2", MaxRPM: 600},
		},
		[]*types.Crew{{ID: "crew", Members: []string{"a1", "a2"}, Topology: types.TopologyParallel}},
		exec,
	)

	sessionID := h.newSession(t, "crew", []*types.Task{
		{ID: "T1"}, {ID: "T2"}, {ID: "T3"}, {ID: "T4"},
	})

	phase := runCrew(t, h, "crew", sessionID)
	assert.Equal(t, PhaseDone, phase)

	// Up to min(eligible agents, ready tasks) = 2 concurrently, and
	// with 4 ready tasks both members are actually used.
	assert.LessOrEqual(t, exec.peak.Load(), int32(2))
	assert.Len(t, exec.order, 4)
	assert.NotEmpty(t, exec.byAgent["a1"])
	assert.NotEmpty(t, exec.byAgent["a2"])
}

func TestRunner_ParallelRespectsDependencies(t *testing.T) {
	exec := &recordingExecutor{}
	h := newHarness(t,
		[]*types.Agent{{ID: "a1", MaxRPM: 600}, {ID: "a2", MaxRPM: 600}},
		[]*types.Crew{{ID: "crew", Members: []string{"a1", "a2"}, Topology: types.TopologyParallel}},
		exec,
	)

	sessionID := h.newSession(t, "crew", []*types.Task{
		{ID: "fan-in", DependsOn: []string{"left", "right"}},
		{ID: "left"},
		{ID: "right"},
	})

	phase := runCrew(t, h, "crew", sessionID)
	assert.Equal(t, PhaseDone, phase)
	require.Len(t, exec.order, 3)
	assert.Equal(t, "fan-in", exec.order[2])
}

func TestRunner_HierarchicalManagerDelegatesToWorkers(t *testing.T) {
	exec := &recordingExecutor{
		fn: func(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
			if task.ID == "plan" {
				return &types.TaskResult{
					Delegations: []types.DelegationSpec{{Description: "delegated step"}},
				}, nil
			}
			return &types.TaskResult{}, nil
		},
	}
	h := newHarness(t,
		[]*types.Agent{
			{ID: "boss", AllowDelegation: true, MaxRPM: 600},
			{ID: "worker", MaxRPM: 600},
		},
		[]*types.Crew{{
			ID:        "crew",
			Members:   []string{"boss", "worker"},
			Topology:  types.TopologyHierarchical,
			ManagerID: "boss",
		}},
		exec,
	)

	sessionID := h.newSession(t, "crew", []*types.Task{{ID: "plan"}})

	phase := runCrew(t, h, "crew", sessionID)
	assert.Equal(t, PhaseDone, phase)

	// The direct task goes through the manager; the delegated
	// sub-task is executed by a worker, not by the manager again.
	require.Len(t, exec.order, 2)
	assert.Equal(t, []string{"plan"}, exec.byAgent["boss"])
	assert.Len(t, exec.byAgent["worker"], 1)

	edges, err := h.store.ListDelegationEdges(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "plan", edges[0].SourceTaskID)
}

func TestRunner_HierarchicalDelegatedWorkRoutedByCapability(t *testing.T) {
	exec := &recordingExecutor{
		fn: func(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
			if task.ID == "plan" {
				return &types.TaskResult{
					Delegations: []types.DelegationSpec{{
						Description:        "port the parser",
						RequiredCapability: "rust",
					}},
				}, nil
			}
			return &types.TaskResult{}, nil
		},
	}
	h := newHarness(t,
		[]*types.Agent{
			{ID: "boss", AllowDelegation: true, MaxRPM: 600},
			{ID: "generalist", MaxRPM: 600, Capabilities: []string{"php"}},
			{ID: "specialist", MaxRPM: 600, Capabilities: []string{"rust"}},
		},
		[]*types.Crew{{
			ID:        "crew",
			Members:   []string{"boss", "generalist", "specialist"},
			Topology:  types.TopologyHierarchical,
			ManagerID: "boss",
		}},
		exec,
	)

	sessionID := h.newSession(t, "crew", []*types.Task{{ID: "plan"}})

	phase := runCrew(t, h, "crew", sessionID)
	assert.Equal(t, PhaseDone, phase)

	// Only the member covering the required capability may execute
	// the delegated sub-task.
	require.Len(t, exec.order, 2)
	assert.Equal(t, []string{"plan"}, exec.byAgent["boss"])
	assert.Empty(t, exec.byAgent["generalist"])
	assert.Len(t, exec.byAgent["specialist"], 1)
}

func TestRunner_NoEligibleAgentFailsRun(t *testing.T) {
	exec := &recordingExecutor{}
	h := newHarness(t,
		[]*types.Agent{{ID: "a1", Capabilities: []string{"php"}, MaxRPM: 600}},
		[]*types.Crew{{ID: "crew", Members: []string{"a1"}, Topology: types.TopologyParallel}},
		exec,
	)

	sessionID := h.newSession(t, "crew", []*types.Task{{ID: "T1", RequiredCapability: "rust"}})

	phase := runCrew(t, h, "crew", sessionID)
	assert.Equal(t, PhaseAborted, phase)
	assert.Empty(t, exec.order)

	view, err := h.store.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionFailed, view.Status)
	require.Len(t, view.Failures, 1)
	assert.Equal(t, types.ErrNoEligibleAgent, view.Failures[0].ErrorCode)
}

func TestRunner_AbortStopsDispatching(t *testing.T) {
	release := make(chan struct{})
	var executions atomic.Int32
	exec := &recordingExecutor{
		fn: func(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
			executions.Add(1)
			if task.ID == "T1" {
				<-release
			}
			return &types.TaskResult{}, nil
		},
	}
	h := newHarness(t,
		[]*types.Agent{{ID: "solo", MaxRPM: 600}},
		[]*types.Crew{{ID: "crew", Members: []string{"solo"}, Topology: types.TopologySequential}},
		exec,
	)

	sessionID := h.newSession(t, "crew", []*types.Task{
		{ID: "T1"},
		{ID: "T2", DependsOn: []string{"T1"}},
		{ID: "T3", DependsOn: []string{"T1"}},
	})

	c, err := h.reg.LookupCrew("crew")
	require.NoError(t, err)
	runner := NewRunner(c, sessionID, h.coord, h.store, nil, fastConfig(), zap.NewNop())

	done := make(chan Phase, 1)
	go func() {
		phase, _ := runner.Run(context.Background())
		done <- phase
	}()

	// Wait for T1 to be in flight, then abort the session.
	require.Eventually(t, func() bool { return executions.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, h.store.AbortSession(context.Background(), sessionID))
	close(release)

	select {
	case phase := <-done:
		assert.Equal(t, PhaseAborted, phase)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after abort")
	}

	// The queued tasks were never dispatched, even though their
	// dependency resolved late.
	assert.Equal(t, int32(1), executions.Load())

	view, err := h.store.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionAborted, view.Status)
}

func TestRunner_MemoryThreadsPriorOutputs(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]int)
	exec := &recordingExecutor{
		fn: func(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
			mu.Lock()
			seen[task.ID] = len(task.PriorOutputs)
			mu.Unlock()
			return &types.TaskResult{Output: json.RawMessage(fmt.Sprintf("%q", task.ID))}, nil
		},
	}
	h := newHarness(t,
		[]*types.Agent{{ID: "solo", MaxRPM: 600}},
		[]*types.Crew{{ID: "crew", Members: []string{"solo"}, Topology: types.TopologySequential, Memory: true}},
		exec,
	)

	sessionID := h.newSession(t, "crew", []*types.Task{
		{ID: "T1"},
		{ID: "T2", DependsOn: []string{"T1"}},
		{ID: "T3", DependsOn: []string{"T2"}},
	})

	phase := runCrew(t, h, "crew", sessionID)
	assert.Equal(t, PhaseDone, phase)

	assert.Equal(t, 0, seen["T1"])
	assert.Equal(t, 1, seen["T2"])
	assert.Equal(t, 2, seen["T3"])
}

func TestRunner_RetryFlowSurvivesWithinRun(t *testing.T) {
	var attempts atomic.Int32
	exec := &recordingExecutor{
		fn: func(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
			if attempts.Add(1) <= 2 {
				return nil, types.NewError(types.ErrInternalError, "flaky")
			}
			return &types.TaskResult{}, nil
		},
	}
	h := newHarness(t,
		[]*types.Agent{{ID: "solo", MaxRPM: 600}},
		[]*types.Crew{{ID: "crew", Members: []string{"solo"}, Topology: types.TopologySequential}},
		exec,
	)

	sessionID := h.newSession(t, "crew", []*types.Task{{ID: "T1", MaxRetries: 2}})

	phase := runCrew(t, h, "crew", sessionID)
	assert.Equal(t, PhaseDone, phase)

	task, err := h.store.GetTask(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, task.State)
	assert.Equal(t, 2, task.RetryCount)
}
