package harness

import (
	"fmt"
	"sort"
	"sync"

	ports "github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/ports"
)

// ToolRegistry maps tool names to implementations.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]ports.Tool
}

// NewToolRegistry registers tools; duplicate names are an error.
func NewToolRegistry(tools ...ports.Tool) (*ToolRegistry, error) {
	r := &ToolRegistry{tools: make(map[string]ports.Tool, len(tools))}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool.
func (r *ToolRegistry) Register(t ports.Tool) error {
	name := t.Spec().Name
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = t
	return nil
}

// Get looks up a tool by name.
func (r *ToolRegistry) Get(name string) (ports.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Specs returns the specs of every registered tool sorted by name.
func (r *ToolRegistry) Specs() []ports.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]ports.ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, t.Spec())
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}
