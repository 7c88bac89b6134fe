// Package role resolves named behavioral profiles for agents. A role carries
// the system prompt and delegation policy an agent of that role runs with.
// The authoritative configuration lives in a shared store external to the
// coordination core; Provider abstracts that lookup.
package role

import "context"

// Role is a named behavioral profile.
type Role struct {
	Name         string   `json:"name"`
	SystemPrompt string   `json:"system_prompt"`
	Delegatable  bool     `json:"delegatable"`
	Capabilities []string `json:"capabilities,omitempty"`
	Model        string   `json:"model,omitempty"`
}

// Provider looks up role configuration.
type Provider interface {
	// IsDelegatable reports whether subagents may be spawned with this role.
	IsDelegatable(ctx context.Context, name string) (bool, error)
	// GetRole returns the role config, or nil if the role is unknown.
	GetRole(ctx context.Context, name string) (*Role, error)
}

// StaticProvider serves roles from an in-memory map. Used in tests and
// single-process deployments without a shared configuration store.
type StaticProvider struct {
	roles map[string]*Role
}

// NewStaticProvider creates a provider over a fixed role set.
func NewStaticProvider(roles ...*Role) *StaticProvider {
	m := make(map[string]*Role, len(roles))
	for _, r := range roles {
		m[r.Name] = r
	}
	return &StaticProvider{roles: m}
}

func (p *StaticProvider) IsDelegatable(_ context.Context, name string) (bool, error) {
	r, ok := p.roles[name]
	return ok && r.Delegatable, nil
}

func (p *StaticProvider) GetRole(_ context.Context, name string) (*Role, error) {
	return p.roles[name], nil
}
