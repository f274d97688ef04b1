// SPDX-License-Identifier: Apache-2.0
package dispatch

import (
	"fmt"
	"strings"
	"sync"

	"github.com/opsgate/opsgate/pkg/errors"
)

// Registry is the closed dispatch table mapping target classes to agent
// variants. Registration happens at startup; submissions naming a target
// class no agent covers are rejected up front.
type Registry struct {
	mu       sync.RWMutex
	byTarget map[string]Agent
	agents   []Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byTarget: make(map[string]Agent)}
}

// Register adds an agent for every target class it declares. A target class
// may be covered by exactly one agent.
func (r *Registry) Register(agent Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, target := range agent.Capabilities() {
		key := strings.ToLower(strings.TrimSpace(target))
		if existing, ok := r.byTarget[key]; ok {
			return errors.New(errors.CodeValidation,
				fmt.Sprintf("target class %q already handled by agent %q", key, existing.Name()), nil)
		}
		r.byTarget[key] = agent
	}
	r.agents = append(r.agents, agent)
	return nil
}

// Lookup returns the agent covering the target class.
func (r *Registry) Lookup(target string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.byTarget[strings.ToLower(strings.TrimSpace(target))]
	if !ok {
		return nil, errors.New(errors.CodeValidation,
			fmt.Sprintf("no agent covers target class %q", target), nil)
	}
	return agent, nil
}

// Knows reports whether any agent covers the target class.
func (r *Registry) Knows(target string) bool {
	_, err := r.Lookup(target)
	return err == nil
}

// Agents returns the registered agent variants.
func (r *Registry) Agents() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, len(r.agents))
	copy(out, r.agents)
	return out
}
