package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cfteam/coordinator/ratelimit"
	"github.com/cfteam/coordinator/registry"
	"github.com/cfteam/coordinator/session"
	"github.com/cfteam/coordinator/types"
)

type stubExecutor struct {
	fn func(ctx context.Context, task *types.Task) (*types.TaskResult, error)
}

func (s *stubExecutor) Execute(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
	return s.fn(ctx, task)
}

type fixture struct {
	store session.Store
	reg   *registry.Registry
	coord *Coordinator
}

func newFixture(t *testing.T, agents []*types.Agent, executor Executor) *fixture {
	t.Helper()

	reg := registry.New(zap.NewNop())
	for _, a := range agents {
		require.NoError(t, reg.Register(a))
	}

	store := session.NewMemoryStore()
	coord := New(store, reg, ratelimit.New(reg, zap.NewNop()), executor, nil, DefaultConfig(), zap.NewNop())
	return &fixture{store: store, reg: reg, coord: coord}
}

func appendTask(t *testing.T, store session.Store, task *types.Task) *types.Task {
	t.Helper()
	ctx := context.Background()
	sess, err := store.CreateSession(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.AppendTask(ctx, sess.ID, task))
	return task
}

func TestCoordinator_Dispatch_Completes(t *testing.T) {
	executor := &stubExecutor{fn: func(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
		return &types.TaskResult{Output: json.RawMessage(`"done"`)}, nil
	}}
	f := newFixture(t, []*types.Agent{{ID: "dev", MaxRPM: 60}}, executor)

	task := appendTask(t, f.store, &types.Task{ID: "t1", Description: "build"})

	res, err := f.coord.Dispatch(context.Background(), task, "dev")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, "dev", res.AgentID)

	got, err := f.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, got.State)
	assert.Equal(t, "dev", got.AgentID)
	require.NotNil(t, got.Result)
	assert.JSONEq(t, `"done"`, string(got.Result.Output))
	assert.Equal(t, 0, f.coord.RunningCount("dev"))
}

func TestCoordinator_Dispatch_RetriesThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	executor := &stubExecutor{fn: func(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
		if attempts.Add(1) <= 2 {
			return nil, types.NewError(types.ErrInternalError, "flaky backend")
		}
		return &types.TaskResult{}, nil
	}}
	f := newFixture(t, []*types.Agent{{ID: "dev", MaxRPM: 600}}, executor)

	task := appendTask(t, f.store, &types.Task{ID: "t1", MaxRetries: 2})

	// Fails twice with retry budget 2, succeeds on the third attempt.
	var res DispatchResult
	var err error
	for i := 0; i < 3; i++ {
		res, err = f.coord.Dispatch(context.Background(), task, "dev")
		require.NoError(t, err)
		if res.Outcome != OutcomeRetrying {
			break
		}
	}
	assert.Equal(t, OutcomeCompleted, res.Outcome)

	got, err := f.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, got.State)
	assert.Equal(t, 2, got.RetryCount)
}

func TestCoordinator_Dispatch_ExhaustsRetries(t *testing.T) {
	executor := &stubExecutor{fn: func(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
		return nil, types.NewError(types.ErrInternalError, "always down")
	}}
	f := newFixture(t, []*types.Agent{{ID: "dev", MaxRPM: 600}}, executor)

	task := appendTask(t, f.store, &types.Task{ID: "t1", MaxRetries: 1})

	res, err := f.coord.Dispatch(context.Background(), task, "dev")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetrying, res.Outcome)

	res, err = f.coord.Dispatch(context.Background(), task, "dev")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)

	view, err := f.store.GetSession(context.Background(), task.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionFailed, view.Status)
	require.Len(t, view.Failures, 1)
	assert.Equal(t, types.ErrInternalError, view.Failures[0].ErrorCode)
}

func TestCoordinator_Dispatch_AttemptTimeout(t *testing.T) {
	executor := &stubExecutor{fn: func(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	f := newFixture(t, []*types.Agent{{ID: "dev", MaxRPM: 600}}, executor)

	task := appendTask(t, f.store, &types.Task{ID: "t1", Timeout: 20 * time.Millisecond, MaxRetries: 1})

	// Expiry counts as a failed attempt subject to the retry budget.
	res, err := f.coord.Dispatch(context.Background(), task, "dev")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetrying, res.Outcome)

	got, err := f.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskQueued, got.State)
	assert.Equal(t, types.ErrExternalExecutionTimeout, got.ErrorCode)
	assert.Equal(t, 1, got.RetryCount)

	res, err = f.coord.Dispatch(context.Background(), task, "dev")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)

	got, err = f.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, got.State)
	assert.Equal(t, types.ErrExternalExecutionTimeout, got.ErrorCode)
}

func TestCoordinator_Dispatch_RateLimitDefers(t *testing.T) {
	executor := &stubExecutor{fn: func(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
		return &types.TaskResult{}, nil
	}}
	f := newFixture(t, []*types.Agent{{ID: "dev", MaxRPM: 1}}, executor)

	first := appendTask(t, f.store, &types.Task{ID: "t1"})
	second := appendTask(t, f.store, &types.Task{ID: "t2"})

	res, err := f.coord.Dispatch(context.Background(), first, "dev")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)

	// The single token is spent: the next dispatch is deferred with a
	// backoff hint instead of blocking or failing.
	res, err = f.coord.Dispatch(context.Background(), second, "dev")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, res.Outcome)
	assert.Greater(t, res.WaitHint, time.Duration(0))

	got, err := f.store.GetTask(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskQueued, got.State)
}

func TestCoordinator_Dispatch_UnknownAgent(t *testing.T) {
	executor := &stubExecutor{fn: func(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
		return &types.TaskResult{}, nil
	}}
	f := newFixture(t, nil, executor)

	task := appendTask(t, f.store, &types.Task{ID: "t1"})

	_, err := f.coord.Dispatch(context.Background(), task, "ghost")
	assert.True(t, types.IsCode(err, types.ErrUnknownAgent))
}

func TestCoordinator_EligibleAgents(t *testing.T) {
	f := newFixture(t, []*types.Agent{
		{ID: "laravel-dev", Capabilities: []string{"laravel", "php"}},
		{ID: "vue-dev", Capabilities: []string{"vue"}},
	}, &stubExecutor{})

	task := &types.Task{ID: "t1", RequiredCapability: "laravel"}
	eligible, err := f.coord.EligibleAgents(task, []string{"laravel-dev", "vue-dev"})
	require.NoError(t, err)
	assert.Equal(t, []string{"laravel-dev"}, eligible)

	t.Run("empty capability matches everyone", func(t *testing.T) {
		eligible, err := f.coord.EligibleAgents(&types.Task{ID: "t2"}, []string{"laravel-dev", "vue-dev"})
		require.NoError(t, err)
		assert.Len(t, eligible, 2)
	})

	t.Run("no coverage fails", func(t *testing.T) {
		_, err := f.coord.EligibleAgents(&types.Task{ID: "t3", RequiredCapability: "rust"},
			[]string{"laravel-dev", "vue-dev"})
		assert.True(t, types.IsCode(err, types.ErrNoEligibleAgent))
	})
}

func TestCoordinator_FailQueued(t *testing.T) {
	f := newFixture(t, nil, &stubExecutor{})

	task := appendTask(t, f.store, &types.Task{ID: "t1", RequiredCapability: "cobol"})
	require.NoError(t, f.coord.FailQueued(context.Background(), task.ID, types.ErrNoEligibleAgent))

	view, err := f.store.GetSession(context.Background(), task.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionFailed, view.Status)
	require.Len(t, view.Failures, 1)
	assert.Equal(t, types.ErrNoEligibleAgent, view.Failures[0].ErrorCode)
}

func TestCoordinator_ConcurrencyBudgetNeverExceeded(t *testing.T) {
	const budget = 2
	const tasks = 12

	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	executor := &stubExecutor{fn: func(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
		cur := inFlight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return &types.TaskResult{}, nil
	}}
	f := newFixture(t, []*types.Agent{{ID: "dev", MaxRPM: 6000, MaxConcurrent: budget}}, executor)

	ctx := context.Background()
	sess, err := f.store.CreateSession(ctx, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var dispatched atomic.Int32
	for i := 0; i < tasks; i++ {
		task := &types.Task{}
		require.NoError(t, f.store.AppendTask(ctx, sess.ID, task))

		wg.Add(1)
		go func(task *types.Task) {
			defer wg.Done()
			res, err := f.coord.Dispatch(ctx, task, "dev")
			if err == nil && res.Outcome == OutcomeCompleted {
				dispatched.Add(1)
			}
		}(task)
	}

	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, f.coord.RunningCount("dev"), budget)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, int(peak.Load()), budget)
	assert.Positive(t, dispatched.Load())
	assert.Equal(t, 0, f.coord.RunningCount("dev"))
}

func TestCoordinator_Delegate(t *testing.T) {
	f := newFixture(t, []*types.Agent{{ID: "manager", AllowDelegation: true}}, &stubExecutor{})

	ctx := context.Background()
	parent := appendTask(t, f.store, &types.Task{ID: "parent", CrewID: "crew-1"})

	sub := &types.Task{Description: "delegated step"}
	require.NoError(t, f.coord.Delegate(ctx, parent, []*types.Task{sub}))

	got, err := f.store.GetTask(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OriginDelegated, got.Origin.Kind)
	assert.Equal(t, parent.ID, got.Origin.DelegatedFrom)
	assert.Equal(t, 1, got.Origin.Depth)
	assert.Equal(t, "crew-1", got.CrewID)

	edges, err := f.store.ListDelegationEdges(ctx, parent.SessionID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, parent.ID, edges[0].SourceTaskID)
	assert.Equal(t, sub.ID, edges[0].TargetTaskID)
}

func TestCoordinator_Dispatch_ResultDelegations(t *testing.T) {
	executor := &stubExecutor{fn: func(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
		if task.ID == "manager-task" {
			return &types.TaskResult{
				Delegations: []types.DelegationSpec{{Description: "sub step", RequiredCapability: "php"}},
			}, nil
		}
		return &types.TaskResult{}, nil
	}}
	f := newFixture(t, []*types.Agent{
		{ID: "manager", AllowDelegation: true, MaxRPM: 60},
		{ID: "worker", MaxRPM: 60},
	}, executor)

	ctx := context.Background()
	task := appendTask(t, f.store, &types.Task{ID: "manager-task", CrewID: "crew-1"})

	res, err := f.coord.Dispatch(ctx, task, "manager")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)

	view, err := f.store.GetSession(ctx, task.SessionID)
	require.NoError(t, err)
	require.Len(t, view.Tasks, 2)
	sub := view.Tasks[1]
	assert.Equal(t, types.OriginDelegated, sub.Origin.Kind)
	assert.Equal(t, "php", sub.RequiredCapability)

	edges, err := f.store.ListDelegationEdges(ctx, task.SessionID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
}

func TestCoordinator_Dispatch_DelegationIgnoredWithoutPermission(t *testing.T) {
	executor := &stubExecutor{fn: func(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
		return &types.TaskResult{
			Delegations: []types.DelegationSpec{{Description: "not allowed"}},
		}, nil
	}}
	f := newFixture(t, []*types.Agent{{ID: "worker", MaxRPM: 60}}, executor)

	ctx := context.Background()
	task := appendTask(t, f.store, &types.Task{ID: "t1"})

	res, err := f.coord.Dispatch(ctx, task, "worker")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)

	view, err := f.store.GetSession(ctx, task.SessionID)
	require.NoError(t, err)
	assert.Len(t, view.Tasks, 1)
}

func TestCoordinator_Delegate_DepthCap(t *testing.T) {
	f := newFixture(t, nil, &stubExecutor{})
	ctx := context.Background()

	parent := appendTask(t, f.store, &types.Task{ID: "root"})

	// Walk the chain to the limit, one level at a time.
	current := parent
	for depth := 1; depth <= DefaultMaxDelegationDepth; depth++ {
		sub := &types.Task{}
		require.NoError(t, f.coord.Delegate(ctx, current, []*types.Task{sub}))
		current, _ = f.store.GetTask(ctx, sub.ID)
		require.Equal(t, depth, current.Origin.Depth)
	}

	err := f.coord.Delegate(ctx, current, []*types.Task{{}})
	assert.True(t, types.IsCode(err, types.ErrDelegationDepthExceeded))
}
