// Package backend defines the uniform backend contract the executor
// dispatches tasks against, plus a registry and reference backends.
package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/swarmguard/taskmesh/internal/errs"
	"github.com/swarmguard/taskmesh/internal/mesh"
)

// Backend is the contract every execution target implements.
type Backend interface {
	Name() string
	Execute(ctx context.Context, t *mesh.Task) (mesh.ExecutionResult, error)
	Health(ctx context.Context) error
	Cancel(ctx context.Context, id mesh.TaskID) error
	Running() int
}

// Advisor recommends a backend name for a task. The default
// implementation is a trivial heuristic: route by BackendHint if that
// backend is registered, falling back to Definition.Kind, falling back
// to the first registered backend.
type Advisor interface {
	Recommend(t *mesh.Task, available []string) (string, error)
}

// DefaultAdvisor implements Advisor's trivial routing rule.
type DefaultAdvisor struct{}

func (DefaultAdvisor) Recommend(t *mesh.Task, available []string) (string, error) {
	if t.BackendHint != "" {
		for _, name := range available {
			if name == t.BackendHint {
				return name, nil
			}
		}
	}
	want := map[mesh.DefinitionKind]string{
		mesh.DefCommand: "shell",
		mesh.DefScript:  "script",
		mesh.DefHTTP:    "httpbackend",
	}[t.Definition.Kind]
	for _, name := range available {
		if name == want {
			return name, nil
		}
	}
	if len(available) > 0 {
		return available[0], nil
	}
	return "", errs.New(errs.Validation, "backend", "Recommend", nil, map[string]string{"reason": "no backends registered"})
}

// Registry holds every registered Backend by name.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	advisor  Advisor
}

// NewRegistry returns an empty Registry using DefaultAdvisor.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend), advisor: DefaultAdvisor{}}
}

// SetAdvisor overrides the registry's backend_advisor hook.
func (r *Registry) SetAdvisor(a Advisor) { r.advisor = a }

// Register adds b under b.Name().
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Name()] = b
}

// Get returns the backend registered under name.
func (r *Registry) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

// Names lists every registered backend name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.backends))
	for name := range r.backends {
		out = append(out, name)
	}
	return out
}

// Recommend delegates to the registry's advisor over the currently
// registered backend names.
func (r *Registry) Recommend(t *mesh.Task) (Backend, error) {
	name, err := r.advisor.Recommend(t, r.Names())
	if err != nil {
		return nil, err
	}
	b, ok := r.Get(name)
	if !ok {
		return nil, errs.New(errs.Validation, "backend", "Recommend", nil, map[string]string{"reason": fmt.Sprintf("advisor recommended unknown backend %q", name)})
	}
	return b, nil
}
