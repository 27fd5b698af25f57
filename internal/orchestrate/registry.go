package orchestrate

import (
	"fmt"
	"io"
	"sync"

	"github.com/evochora/pipeline/internal/resource"
)

// Contextual is implemented by a resource that hands back a distinct
// wrapped object per binding, selected by usage type: a dedicated database
// connection, a dedicated topic delegate with prepared statements, a
// dedicated read/write handle on a storage root. The wrapped object owns
// any per-binding resources and releases them on Close.
type Contextual interface {
	resource.Resource
	Bind(rc ResourceContext) (io.Closer, error)
}

// Factory constructs a named resource's single shared instance. Called
// exactly once per resource name, on first binding reference.
type Factory func(resourceName string) (resource.Resource, error)

// Registry constructs resources lazily (once per name) and resolves
// bindings against them, returning the wrapped handle a service injects
// into its port.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]resource.Resource
	usages    map[string][]string
	bound     []io.Closer
}

// NewRegistry builds an empty registry. Register factories before resolving
// any binding.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]resource.Resource),
		usages:    make(map[string][]string),
	}
}

// RegisterFactory associates a resource name with the factory that builds
// it. Typically one factory per distinct resource_name found across all
// service binding URIs.
func (r *Registry) RegisterFactory(resourceName string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[resourceName] = f
}

// Resolve parses a binding URI, constructs the underlying resource on first
// use, and returns the wrapped handle for injection into a service port.
// Non-contextual resources are returned as-is.
func (r *Registry) Resolve(serviceName, portName, binding string) (any, ResourceContext, error) {
	resourceName, rc, err := ParseBinding(serviceName, portName, binding)
	if err != nil {
		return nil, ResourceContext{}, err
	}

	inst, err := r.instance(resourceName)
	if err != nil {
		return nil, ResourceContext{}, err
	}
	r.recordUsage(resourceName, rc.UsageType)

	if ctx, ok := inst.(Contextual); ok {
		wrapped, err := ctx.Bind(rc)
		if err != nil {
			return nil, ResourceContext{}, fmt.Errorf("orchestrate: bind %q: %w", binding, err)
		}
		r.mu.Lock()
		r.bound = append(r.bound, wrapped)
		r.mu.Unlock()
		return wrapped, rc, nil
	}
	return inst, rc, nil
}

func (r *Registry) recordUsage(resourceName, usageType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ut := range r.usages[resourceName] {
		if ut == usageType {
			return
		}
	}
	r.usages[resourceName] = append(r.usages[resourceName], usageType)
}

// UsageTypes returns, per resource name, every usage type a resolved
// binding has requested so far, for per-usage metrics reporting.
func (r *Registry) UsageTypes() map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]string, len(r.usages))
	for k, v := range r.usages {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Instances returns every resource constructed so far, keyed by resource
// name, for the operational HTTP surface's /resources endpoint.
func (r *Registry) Instances() map[string]resource.Resource {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]resource.Resource, len(r.instances))
	for k, v := range r.instances {
		out[k] = v
	}
	return out
}

func (r *Registry) instance(resourceName string) (resource.Resource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inst, ok := r.instances[resourceName]; ok {
		return inst, nil
	}
	f, ok := r.factories[resourceName]
	if !ok {
		return nil, fmt.Errorf("orchestrate: no factory registered for resource %q", resourceName)
	}
	inst, err := f(resourceName)
	if err != nil {
		return nil, fmt.Errorf("orchestrate: construct resource %q: %w", resourceName, err)
	}
	r.instances[resourceName] = inst
	return inst, nil
}

// Close releases every wrapped binding returned by Resolve, in reverse
// order, then the shared resource instances themselves where they
// implement io.Closer. Idempotent double-close of any one wrapper is the
// wrapper's responsibility, not the registry's.
func (r *Registry) Close() error {
	r.mu.Lock()
	bound := r.bound
	r.bound = nil
	instances := r.instances
	r.mu.Unlock()

	var firstErr error
	for i := len(bound) - 1; i >= 0; i-- {
		if err := bound[i].Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("orchestrate: close wrapped binding: %w", err)
		}
	}
	for name, inst := range instances {
		if c, ok := inst.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("orchestrate: close resource %q: %w", name, err)
			}
		}
	}
	return firstErr
}
