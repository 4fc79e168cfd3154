package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aide-sh/aide/pkg/schema"
)

// Registry is the thread-safe tool lookup used by planning and dispatch.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool to the registry. Returns error on duplicate name.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return schema.NewError(schema.ErrCodeValidation, "tool is nil")
	}
	name := tool.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", name)
	}

	r.tools[name] = tool
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeToolUnavailable, "tool %q not registered", name)
	}
	return tool, nil
}

// List returns info for all registered tools, sorted by name.
func (r *Registry) List() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ToolInfo, 0, len(r.tools))
	for _, t := range r.tools {
		s := t.Schema()
		infos = append(infos, ToolInfo{
			Name:        t.Name(),
			Description: s.Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// RegisterProvider bulk-registers tools under a prefixed namespace.
// Each tool name becomes "prefix.originalName" (e.g. "email.send").
func (r *Registry) RegisterProvider(prefix string, ts []Tool) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "provider prefix is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered := 0
	for _, t := range ts {
		prefixed := fmt.Sprintf("%s.%s", prefix, t.Name())
		if _, exists := r.tools[prefixed]; exists {
			return registered, schema.NewErrorf(schema.ErrCodeConflict, "provider tool %q already registered", prefixed)
		}
		r.tools[prefixed] = &prefixedTool{inner: t, name: prefixed}
		registered++
	}
	return registered, nil
}

// UnregisterProvider removes every tool under the given namespace prefix.
// Returns the number of tools removed.
func (r *Registry) UnregisterProvider(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	marker := prefix + "."
	for name := range r.tools {
		if strings.HasPrefix(name, marker) {
			delete(r.tools, name)
			removed++
		}
	}
	return removed
}

// Has checks if a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// prefixedTool wraps a provider tool with a namespaced name.
type prefixedTool struct {
	inner Tool
	name  string
}

func (p *prefixedTool) Name() string       { return p.name }
func (p *prefixedTool) Schema() ToolSchema { return p.inner.Schema() }

func (p *prefixedTool) Execute(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	return p.inner.Execute(ctx, params)
}
