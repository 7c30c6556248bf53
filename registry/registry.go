package registry

import (
	"sync"
	"sync/atomic"

	"github.com/cfteam/coordinator/types"
	"go.uber.org/zap"
)

// =============================================================================
// 📇 Agent 注册表
// =============================================================================

// snapshot 不可变的注册表快照，读取无需加锁
type snapshot struct {
	agents   map[string]*types.Agent
	crews    map[string]*types.Crew
	projects map[string]*types.Project
}

// Registry Agent 注册表
// 启动时载入，运行期只读；管理端 Reload 以原子替换整个快照，
// 不会出现部分可见的中间状态
type Registry struct {
	snap   atomic.Pointer[snapshot]
	mu     sync.Mutex // 仅串行化写入（Register / Reload）
	logger *zap.Logger
}

// New 创建空注册表
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		logger: logger.With(zap.String("component", "registry")),
	}
	r.snap.Store(&snapshot{
		agents:   make(map[string]*types.Agent),
		crews:    make(map[string]*types.Crew),
		projects: make(map[string]*types.Project),
	})
	return r
}

// Register 注册一个 Agent
// 标识符已存在时返回 DUPLICATE_AGENT
func (r *Registry) Register(agent *types.Agent) error {
	if agent == nil || agent.ID == "" {
		return types.NewError(types.ErrInternalError, "agent id must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, exists := cur.agents[agent.ID]; exists {
		return types.NewErrorf(types.ErrDuplicateAgent, "agent %q already registered", agent.ID)
	}

	next := cur.clone()
	next.agents[agent.ID] = agent
	r.snap.Store(next)

	r.logger.Info("agent registered",
		zap.String("agent", agent.ID),
		zap.String("role", agent.Role),
		zap.Int("max_rpm", agent.EffectiveRPM()),
	)
	return nil
}

// RegisterCrew 注册一个 Crew
// 校验拓扑合法性与 hierarchical 拓扑的 manager 约束
func (r *Registry) RegisterCrew(crew *types.Crew) error {
	if crew == nil || crew.ID == "" {
		return types.NewError(types.ErrInternalError, "crew id must not be empty")
	}
	if !crew.Topology.Valid() {
		return types.NewErrorf(types.ErrUnknownCrew, "crew %q has invalid topology %q", crew.ID, crew.Topology)
	}
	if crew.Topology == types.TopologyHierarchical && crew.ManagerID == "" {
		return types.NewErrorf(types.ErrUnknownCrew, "hierarchical crew %q requires a manager", crew.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	for _, member := range crew.Members {
		if _, ok := cur.agents[member]; !ok {
			return types.NewErrorf(types.ErrUnknownAgent, "crew %q member %q is not registered", crew.ID, member)
		}
	}
	if crew.ManagerID != "" && !crew.HasMember(crew.ManagerID) {
		return types.NewErrorf(types.ErrUnknownAgent, "crew %q manager %q is not a member", crew.ID, crew.ManagerID)
	}

	next := cur.clone()
	next.crews[crew.ID] = crew
	r.snap.Store(next)

	r.logger.Info("crew registered",
		zap.String("crew", crew.ID),
		zap.String("topology", string(crew.Topology)),
		zap.Int("members", len(crew.Members)),
	)
	return nil
}

// RegisterProject 注册一个 Project
// 校验 integration crew 已注册
func (r *Registry) RegisterProject(project *types.Project) error {
	if project == nil || project.ID == "" {
		return types.NewError(types.ErrInternalError, "project id must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if project.IntegrationCrew != "" {
		if _, ok := cur.crews[project.IntegrationCrew]; !ok {
			return types.NewErrorf(types.ErrUnknownCrew,
				"project %q integration crew %q is not registered", project.ID, project.IntegrationCrew)
		}
	}

	next := cur.clone()
	next.projects[project.ID] = project
	r.snap.Store(next)

	r.logger.Info("project registered",
		zap.String("project", project.ID),
		zap.String("integration_crew", project.IntegrationCrew),
	)
	return nil
}

// Lookup 按标识符查找 Agent
// 不存在时返回 UNKNOWN_AGENT
func (r *Registry) Lookup(id string) (*types.Agent, error) {
	if agent, ok := r.snap.Load().agents[id]; ok {
		return agent, nil
	}
	return nil, types.NewErrorf(types.ErrUnknownAgent, "agent %q is not registered", id)
}

// LookupCrew 按标识符查找 Crew
func (r *Registry) LookupCrew(id string) (*types.Crew, error) {
	if crew, ok := r.snap.Load().crews[id]; ok {
		return crew, nil
	}
	return nil, types.NewErrorf(types.ErrUnknownCrew, "crew %q is not registered", id)
}

// LookupProject 按标识符查找 Project
// 不存在时返回 UNKNOWN_PROJECT
func (r *Registry) LookupProject(id string) (*types.Project, error) {
	if project, ok := r.snap.Load().projects[id]; ok {
		return project, nil
	}
	return nil, types.NewErrorf(types.ErrUnknownProject, "project %q is not registered", id)
}

// Capable 判断 Agent 是否具备指定能力标签
func (r *Registry) Capable(id, capability string) (bool, error) {
	agent, err := r.Lookup(id)
	if err != nil {
		return false, err
	}
	return agent.Capable(capability), nil
}

// Agents 返回当前快照中的全部 Agent
func (r *Registry) Agents() []*types.Agent {
	cur := r.snap.Load()
	out := make([]*types.Agent, 0, len(cur.agents))
	for _, a := range cur.agents {
		out = append(out, a)
	}
	return out
}

// Reload 原子替换整个注册表内容
// 管理端热更新入口：要么全部生效，要么全部不生效
func (r *Registry) Reload(agents []*types.Agent, crews []*types.Crew, projects []*types.Project) error {
	next := &snapshot{
		agents:   make(map[string]*types.Agent, len(agents)),
		crews:    make(map[string]*types.Crew, len(crews)),
		projects: make(map[string]*types.Project, len(projects)),
	}

	for _, a := range agents {
		if _, exists := next.agents[a.ID]; exists {
			return types.NewErrorf(types.ErrDuplicateAgent, "agent %q appears twice in reload set", a.ID)
		}
		next.agents[a.ID] = a
	}
	for _, c := range crews {
		if !c.Topology.Valid() {
			return types.NewErrorf(types.ErrUnknownCrew, "crew %q has invalid topology %q", c.ID, c.Topology)
		}
		if c.Topology == types.TopologyHierarchical && c.ManagerID == "" {
			return types.NewErrorf(types.ErrUnknownCrew, "hierarchical crew %q requires a manager", c.ID)
		}
		for _, member := range c.Members {
			if _, ok := next.agents[member]; !ok {
				return types.NewErrorf(types.ErrUnknownAgent, "crew %q member %q is not in reload set", c.ID, member)
			}
		}
		next.crews[c.ID] = c
	}
	for _, p := range projects {
		if p.IntegrationCrew != "" {
			if _, ok := next.crews[p.IntegrationCrew]; !ok {
				return types.NewErrorf(types.ErrUnknownCrew,
					"project %q integration crew %q is not in reload set", p.ID, p.IntegrationCrew)
			}
		}
		next.projects[p.ID] = p
	}

	r.mu.Lock()
	r.snap.Store(next)
	r.mu.Unlock()

	r.logger.Info("registry reloaded",
		zap.Int("agents", len(agents)),
		zap.Int("crews", len(crews)),
		zap.Int("projects", len(projects)),
	)
	return nil
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		agents:   make(map[string]*types.Agent, len(s.agents)+1),
		crews:    make(map[string]*types.Crew, len(s.crews)+1),
		projects: make(map[string]*types.Project, len(s.projects)+1),
	}
	for k, v := range s.agents {
		next.agents[k] = v
	}
	for k, v := range s.crews {
		next.crews[k] = v
	}
	for k, v := range s.projects {
		next.projects[k] = v
	}
	return next
}
