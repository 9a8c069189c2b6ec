package tool

import (
	"sort"
	"sync"

	"github.com/skeedo-sys/platform/internal/provider"
)

// Registry holds the installed tools and filters them per call scope.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register installs a tool, replacing any previous tool of the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns the tool with the given name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Enabled returns the tools applicable to the call scope, sorted by name.
func (r *Registry) Enabled(cc CallContext) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Tool
	for _, t := range r.tools {
		if t.Enabled(cc) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name() < out[j].Name()
	})
	return out
}

// Definitions returns the provider tool definitions for the enabled
// tools of a call scope.
func (r *Registry) Definitions(cc CallContext) []provider.ToolDefinition {
	tools := r.Enabled(cc)
	if len(tools) == 0 {
		return nil
	}

	defs := make([]provider.ToolDefinition, len(tools))
	for i, t := range tools {
		defs[i] = provider.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		}
	}
	return defs
}

// Instructions collects the system instructions of the enabled tools.
func (r *Registry) Instructions(cc CallContext) []string {
	var out []string
	for _, t := range r.Enabled(cc) {
		if ins := t.SystemInstructions(); ins != "" {
			out = append(out, ins)
		}
	}
	return out
}
