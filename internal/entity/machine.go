package entity

import (
	"context"
	"fmt"
	"sort"

	"github.com/leeroybrun/edison-sub000/internal/config"
	"github.com/leeroybrun/edison-sub000/internal/errs"
)

// Machine is one compiled state machine. Transitions form a directed graph
// keyed by (from, to); terminal states have no outgoing edges except an
// explicitly declared reopen.
type Machine struct {
	cfg      config.MachineConfig
	states   map[string]bool
	terminal map[string]bool
	edges    map[string]config.TransitionRule
}

// NewMachine compiles a machine config. The config loader has already
// validated state references; this enforces the terminal-state rule.
func NewMachine(scope string, cfg config.MachineConfig) (*Machine, error) {
	m := &Machine{
		cfg:      cfg,
		states:   map[string]bool{},
		terminal: map[string]bool{},
		edges:    map[string]config.TransitionRule{},
	}
	for _, s := range cfg.States {
		m.states[s] = true
	}
	for _, s := range cfg.Terminal {
		m.terminal[s] = true
	}
	for _, tr := range cfg.Transitions {
		if m.terminal[tr.From] && tr.Action != "reopen" {
			return nil, &errs.ConfigError{
				Path:   scope,
				Reason: fmt.Sprintf("transition %s -> %s leaves terminal state %q (only an explicit reopen may)", tr.From, tr.To, tr.From),
			}
		}
		m.edges[tr.From+"->"+tr.To] = tr
	}
	return m, nil
}

// ValidState reports whether s is declared.
func (m *Machine) ValidState(s string) bool { return m.states[s] }

// IsTerminal reports whether s is a terminal state.
func (m *Machine) IsTerminal(s string) bool { return m.terminal[s] }

// States returns the declared states in declaration order.
func (m *Machine) States() []string { return append([]string(nil), m.cfg.States...) }

// DependencySatisfiedStates returns the states that satisfy a depends_on edge.
func (m *Machine) DependencySatisfiedStates() []string {
	return append([]string(nil), m.cfg.DependencySatisfiedStates...)
}

// Directory maps a state to its storage directory name (defaults to the
// state name itself).
func (m *Machine) Directory(state string) string {
	if dir, ok := m.cfg.Directories[state]; ok {
		return dir
	}
	return state
}

// Rule returns the declared transition from -> to.
func (m *Machine) Rule(from, to string) (config.TransitionRule, bool) {
	tr, ok := m.edges[from+"->"+to]
	return tr, ok
}

// RulesFrom returns every declared transition leaving from, ordered by
// target state.
func (m *Machine) RulesFrom(from string) []config.TransitionRule {
	var out []config.TransitionRule
	for _, tr := range m.cfg.Transitions {
		if tr.From == from {
			out = append(out, tr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].To < out[j].To })
	return out
}

// Denial is a guard's structured refusal.
type Denial struct {
	Reason string
	Remedy string
}

// GuardContext is what a guard may read. Guards never mutate; Entity is a
// copy and Load goes through the read-only repository path.
type GuardContext struct {
	Entity  *Entity
	From    string
	To      string
	Action  string
	Actor   string
	Session string // claim target, when the action carries one
	Load    func(id string) (*Entity, error)
}

// Guard is a pure transition predicate. A non-nil Denial blocks the
// transition; a returned error aborts it with that error (used by guards
// whose denial has a dedicated taxonomy kind, like DependenciesUnsatisfied).
type Guard interface {
	Check(ctx context.Context, gc GuardContext) (*Denial, error)
}

// GuardFunc adapts a function to the Guard interface.
type GuardFunc func(ctx context.Context, gc GuardContext) (*Denial, error)

func (f GuardFunc) Check(ctx context.Context, gc GuardContext) (*Denial, error) { return f(ctx, gc) }

// Registry resolves guard ids declared in workflow config to implementations.
// Unknown ids fail closed at transition time.
type Registry struct {
	guards map[string]Guard
}

func NewRegistry() *Registry {
	return &Registry{guards: map[string]Guard{}}
}

// Register adds a guard under id, replacing any previous registration.
func (r *Registry) Register(id string, g Guard) {
	r.guards[id] = g
}

// Lookup returns the guard for id.
func (r *Registry) Lookup(id string) (Guard, bool) {
	g, ok := r.guards[id]
	return g, ok
}
