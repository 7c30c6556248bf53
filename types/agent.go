package types

// Agent describes a registered agent: a bounded unit of delegated work
// with a declared role, capability set, and throughput budget.
// Agents are immutable once registered; administrative reload swaps in
// a whole new registry snapshot.
type Agent struct {
	// ID is the stable identifier, e.g. "laravel_architect".
	ID string `json:"id" yaml:"id"`

	// Name is the human-readable display name.
	Name string `json:"name" yaml:"name"`

	// Role describes the agent's function within its crew.
	Role string `json:"role" yaml:"role"`

	// Capabilities is the set of opaque capability tags the agent
	// can serve. Task dispatch filters crew members by these tags.
	Capabilities []string `json:"capabilities" yaml:"capabilities"`

	// AllowDelegation permits the agent to act as a hierarchical
	// crew manager and spawn sub-tasks.
	AllowDelegation bool `json:"allow_delegation" yaml:"allow_delegation"`

	// MaxRPM bounds requests per minute for this agent. Zero falls
	// back to DefaultMaxRPM.
	MaxRPM int `json:"max_rpm" yaml:"max_rpm"`

	// MaxConcurrent bounds concurrently running tasks. Zero derives
	// the budget from MaxRPM.
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent"`
}

// Defaults mirroring the ecosystem-wide agent configuration.
const (
	DefaultMaxRPM        = 20
	DefaultMaxConcurrent = 5
)

// EffectiveRPM returns the configured RPM or the default.
func (a *Agent) EffectiveRPM() int {
	if a.MaxRPM > 0 {
		return a.MaxRPM
	}
	return DefaultMaxRPM
}

// ConcurrencyBudget returns the maximum number of concurrently running
// tasks. When unset it is derived from the RPM budget (one concurrent
// slot per 4 RPM, minimum one), matching the 20 RPM / 5 slots default.
func (a *Agent) ConcurrencyBudget() int {
	if a.MaxConcurrent > 0 {
		return a.MaxConcurrent
	}
	budget := a.EffectiveRPM() / 4
	if budget < 1 {
		budget = 1
	}
	return budget
}

// Capable reports whether the agent declares the given capability tag.
// An empty required tag matches any agent.
func (a *Agent) Capable(capability string) bool {
	if capability == "" {
		return true
	}
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}
