package session

import (
	"encoding/json"
	"time"

	"github.com/cfteam/coordinator/types"
)

// Row types mapping the relational schema:
// sessions(id, aborted, projects, created_at, updated_at)
// tasks(id, session_id, crew_id, agent_id, state, deps, retry_count, result, ...)
// delegation_edges(source_task_id, target_task_id, created_at)

type sessionRow struct {
	ID        string    `gorm:"column:id;primaryKey;size:64"`
	Aborted   bool      `gorm:"column:aborted;not null;default:false"`
	Projects  string    `gorm:"column:projects;type:text"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (sessionRow) TableName() string { return "sessions" }

type taskRow struct {
	ID                 string     `gorm:"column:id;primaryKey;size:64"`
	SessionID          string     `gorm:"column:session_id;size:64;not null;index"`
	CrewID             string     `gorm:"column:crew_id;size:64"`
	AgentID            string     `gorm:"column:agent_id;size:64"`
	Description        string     `gorm:"column:description;type:text"`
	RequiredCapability string     `gorm:"column:required_capability;size:128"`
	State              string     `gorm:"column:state;size:16;not null;index"`
	Deps               string     `gorm:"column:deps;type:text"`
	Result             []byte     `gorm:"column:result;type:blob"`
	ErrorCode          string     `gorm:"column:error_code;size:64"`
	RetryCount         int        `gorm:"column:retry_count;not null;default:0"`
	MaxRetries         int        `gorm:"column:max_retries;not null;default:0"`
	OriginKind         string     `gorm:"column:origin_kind;size:16;not null"`
	DelegatedFrom      string     `gorm:"column:delegated_from;size:64"`
	DelegationDepth    int        `gorm:"column:delegation_depth;not null;default:0"`
	TimeoutMs          int64      `gorm:"column:timeout_ms;not null;default:0"`
	Seq                int64      `gorm:"column:seq;autoIncrement;uniqueIndex"`
	CreatedAt          time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt          time.Time  `gorm:"column:updated_at;not null"`
	StartedAt          *time.Time `gorm:"column:started_at"`
	CompletedAt        *time.Time `gorm:"column:completed_at"`
}

func (taskRow) TableName() string { return "tasks" }

type delegationEdgeRow struct {
	SourceTaskID string    `gorm:"column:source_task_id;primaryKey;size:64"`
	TargetTaskID string    `gorm:"column:target_task_id;primaryKey;size:64"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
}

func (delegationEdgeRow) TableName() string { return "delegation_edges" }

func toSessionRow(s *types.Session) (*sessionRow, error) {
	projects, err := json.Marshal(s.Projects)
	if err != nil {
		return nil, err
	}
	return &sessionRow{
		ID:        s.ID,
		Aborted:   s.Aborted,
		Projects:  string(projects),
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}, nil
}

func (r *sessionRow) toSession(taskIDs []string) (*types.Session, error) {
	var projects []string
	if r.Projects != "" {
		if err := json.Unmarshal([]byte(r.Projects), &projects); err != nil {
			return nil, err
		}
	}
	return &types.Session{
		ID:        r.ID,
		Projects:  projects,
		TaskIDs:   taskIDs,
		Aborted:   r.Aborted,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}, nil
}

func toTaskRow(t *types.Task) (*taskRow, error) {
	deps, err := json.Marshal(t.DependsOn)
	if err != nil {
		return nil, err
	}

	var result []byte
	if t.Result != nil {
		result, err = json.Marshal(t.Result)
		if err != nil {
			return nil, err
		}
	}

	return &taskRow{
		ID:                 t.ID,
		SessionID:          t.SessionID,
		CrewID:             t.CrewID,
		AgentID:            t.AgentID,
		Description:        t.Description,
		RequiredCapability: t.RequiredCapability,
		State:              string(t.State),
		Deps:               string(deps),
		Result:             result,
		ErrorCode:          string(t.ErrorCode),
		RetryCount:         t.RetryCount,
		MaxRetries:         t.MaxRetries,
		OriginKind:         string(t.Origin.Kind),
		DelegatedFrom:      t.Origin.DelegatedFrom,
		DelegationDepth:    t.Origin.Depth,
		TimeoutMs:          t.Timeout.Milliseconds(),
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
		StartedAt:          t.StartedAt,
		CompletedAt:        t.CompletedAt,
	}, nil
}

func (r *taskRow) toTask() (*types.Task, error) {
	var deps []string
	if r.Deps != "" {
		if err := json.Unmarshal([]byte(r.Deps), &deps); err != nil {
			return nil, err
		}
	}

	var result *types.TaskResult
	if len(r.Result) > 0 {
		result = &types.TaskResult{}
		if err := json.Unmarshal(r.Result, result); err != nil {
			return nil, err
		}
	}

	return &types.Task{
		ID:                 r.ID,
		SessionID:          r.SessionID,
		CrewID:             r.CrewID,
		AgentID:            r.AgentID,
		Description:        r.Description,
		RequiredCapability: r.RequiredCapability,
		State:              types.TaskState(r.State),
		DependsOn:          deps,
		Result:             result,
		ErrorCode:          types.ErrorCode(r.ErrorCode),
		RetryCount:         r.RetryCount,
		MaxRetries:         r.MaxRetries,
		Origin: types.TaskOrigin{
			Kind:          types.OriginKind(r.OriginKind),
			DelegatedFrom: r.DelegatedFrom,
			Depth:         r.DelegationDepth,
		},
		Timeout:     time.Duration(r.TimeoutMs) * time.Millisecond,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}, nil
}
