package types

// Topology defines how a crew processes its tasks.
type Topology string

const (
	// TopologySequential dispatches one task at a time, walking the
	// member list in declared order.
	TopologySequential Topology = "sequential"

	// TopologyHierarchical funnels every task through the manager
	// agent, who may delegate sub-tasks to members.
	TopologyHierarchical Topology = "hierarchical"

	// TopologyParallel dispatches any ready task to any eligible
	// idle member concurrently.
	TopologyParallel Topology = "parallel"
)

// Valid reports whether the topology is one of the closed set.
func (t Topology) Valid() bool {
	switch t {
	case TopologySequential, TopologyHierarchical, TopologyParallel:
		return true
	default:
		return false
	}
}

// Crew is a named group of agents sharing a declared execution
// topology. Member order is significant for sequential crews.
type Crew struct {
	ID      string   `json:"id" yaml:"id"`
	Name    string   `json:"name" yaml:"name"`
	Members []string `json:"members" yaml:"members"`

	// Topology selects the scheduling policy for this crew.
	Topology Topology `json:"topology" yaml:"topology"`

	// ManagerID names the manager agent. Required iff the topology
	// is hierarchical.
	ManagerID string `json:"manager_id,omitempty" yaml:"manager_id,omitempty"`

	// Memory retains task outputs for later tasks in the same crew
	// run, threading them into the execution context.
	Memory bool `json:"memory" yaml:"memory"`
}

// HasMember reports whether the agent belongs to this crew.
func (c *Crew) HasMember(agentID string) bool {
	for _, m := range c.Members {
		if m == agentID {
			return true
		}
	}
	return false
}

// Project describes an external software project the ecosystem works
// against. Completed tasks may declare effects on other projects; the
// reconciler routes follow-up work to the target project's designated
// integration crew.
type Project struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`

	// IntegrationCrew is the crew that receives reconciliation
	// tasks targeting this project.
	IntegrationCrew string `json:"integration_crew" yaml:"integration_crew"`
}
