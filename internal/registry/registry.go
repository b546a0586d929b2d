// Package registry holds the validated agent definitions a coordinator can
// spawn from, and builds the executor each definition asks for.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mtzanidakis/kypseli/internal/agent"
	"github.com/mtzanidakis/kypseli/internal/config"
	"github.com/mtzanidakis/kypseli/internal/llm"
)

const (
	ExecutorLLM     = "llm"
	ExecutorCommand = "command"
)

// Definition is an agent definition whose type and capabilities have been
// checked.
type Definition struct {
	Name         string             `json:"name"`
	Type         agent.Type         `json:"type"`
	Description  string             `json:"description,omitempty"`
	Capabilities []agent.Capability `json:"capabilities"`
	Executor     string             `json:"executor"`
	Command      []string           `json:"command,omitempty"`
	Prompt       string             `json:"prompt,omitempty"`
	Spawn        bool               `json:"spawn"`
}

// ExecutorFactory builds the work capability of a definition.
type ExecutorFactory func(def Definition) (agent.Executor, error)

type Registry struct {
	factory ExecutorFactory

	mu   sync.RWMutex
	defs map[string]Definition
}

// Parse validates a config definition. Missing capabilities default to the
// type's standard set.
func Parse(name string, def config.AgentDefinition) (Definition, error) {
	typ, err := agent.ParseType(def.Type)
	if err != nil {
		return Definition{}, fmt.Errorf("agent %s: %w", name, err)
	}
	caps, err := agent.ParseCapabilities(def.Capabilities)
	if err != nil {
		return Definition{}, fmt.Errorf("agent %s: %w", name, err)
	}
	if len(caps) == 0 {
		caps = agent.DefaultCapabilities(typ)
	}

	d := Definition{
		Name:         name,
		Type:         typ,
		Description:  def.Description,
		Capabilities: caps,
		Executor:     def.Executor,
		Command:      append([]string(nil), def.Command...),
		Prompt:       def.Prompt,
		Spawn:        def.Spawn,
	}
	if d.Executor == "" {
		d.Executor = ExecutorLLM
	}
	switch d.Executor {
	case ExecutorLLM:
	case ExecutorCommand:
		if len(d.Command) == 0 {
			return Definition{}, fmt.Errorf("agent %s: command executor needs a command", name)
		}
	default:
		return Definition{}, fmt.Errorf("agent %s: unknown executor %q", name, d.Executor)
	}
	return d, nil
}

func parseAll(defs map[string]config.AgentDefinition) (map[string]Definition, error) {
	out := make(map[string]Definition, len(defs))
	var errs []error
	for name, def := range defs {
		d, err := Parse(name, def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[name] = d
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func New(defs map[string]config.AgentDefinition, factory ExecutorFactory) (*Registry, error) {
	parsed, err := parseAll(defs)
	if err != nil {
		return nil, err
	}
	return &Registry{factory: factory, defs: parsed}, nil
}

// Replace swaps in a new set of definitions, as after a config reload. On
// error the current set is kept.
func (r *Registry) Replace(defs map[string]config.AgentDefinition) error {
	parsed, err := parseAll(defs)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.defs = parsed
	r.mu.Unlock()
	return nil
}

func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// List returns all definitions sorted by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Boot lists the definitions marked to spawn at startup.
func (r *Registry) Boot() []Definition {
	var out []Definition
	for _, d := range r.List() {
		if d.Spawn {
			out = append(out, d)
		}
	}
	return out
}

// Resolve finds the definition for name, which is either a definition name
// or an agent type. A bare type with no definition yields a default llm
// definition of that type.
func (r *Registry) Resolve(name string) (Definition, error) {
	if d, ok := r.Get(name); ok {
		return d, nil
	}
	typ, err := agent.ParseType(name)
	if err != nil {
		return Definition{}, fmt.Errorf("no agent definition or type %q", name)
	}
	for _, d := range r.List() {
		if d.Type == typ {
			return d, nil
		}
	}
	return Definition{
		Name:         string(typ),
		Type:         typ,
		Capabilities: agent.DefaultCapabilities(typ),
		Executor:     ExecutorLLM,
	}, nil
}

// NewExecutor builds the executor for d.
func (r *Registry) NewExecutor(d Definition) (agent.Executor, error) {
	if r.factory == nil {
		return nil, fmt.Errorf("agent %s: no executor factory configured", d.Name)
	}
	return r.factory(d)
}

// DefaultFactory builds command executors directly and llm executors on
// client. A nil client makes llm definitions fail to build.
func DefaultFactory(client *llm.Client) ExecutorFactory {
	return func(d Definition) (agent.Executor, error) {
		switch d.Executor {
		case ExecutorCommand:
			return &agent.CommandExecutor{Command: d.Command}, nil
		case ExecutorLLM, "":
			if client == nil {
				return nil, fmt.Errorf("agent %s: llm executor needs an api key", d.Name)
			}
			return llm.NewExecutor(client, d.Prompt), nil
		}
		return nil, fmt.Errorf("agent %s: unknown executor %q", d.Name, d.Executor)
	}
}
