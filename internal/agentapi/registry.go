package agentapi

import "github.com/corvidlabs/aegis/pkg/registry"

// Registry is the agent-id -> Agent map (spec §4.5), built on the pack's
// generic BaseRegistry (grounded on pkg/registry). Agents register
// explicitly at startup rather than through a decorator-populated
// class-level dict (spec §9's second re-architecture note) — there is no
// global mutable registry; each AgentCore owns its own.
type Registry struct {
	*registry.BaseRegistry[Agent]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Agent]()}
}

// RegisterAgent registers a by its own Definition().AgentID.
func (r *Registry) RegisterAgent(a Agent) error {
	return r.Register(a.Definition().AgentID, a)
}
