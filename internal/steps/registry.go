package steps

import (
	"sort"
	"sync"

	"github.com/rendis/stepflow/pkg/schema"
)

// Registry maps step type names to executors. Lookups of unknown types fall
// back to the executor registered as "default". It is safe for concurrent use,
// though registration is expected to finish before executions start.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds stepType to exec. Returns error on duplicate type.
func (r *Registry) Register(stepType string, exec Executor) error {
	if exec == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "executor for step type %q is nil", stepType)
	}
	if stepType == "" {
		return schema.NewError(schema.ErrCodeValidation, "step type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[stepType]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "step type %q already registered", stepType)
	}
	r.executors[stepType] = exec
	return nil
}

// MustRegister is Register that panics on error, for static setup code.
func (r *Registry) MustRegister(stepType string, exec Executor) {
	if err := r.Register(stepType, exec); err != nil {
		panic(err)
	}
}

// Get returns the executor for stepType, or the "default" executor when the
// type is unknown. NOT_FOUND is returned only when neither exists.
func (r *Registry) Get(stepType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if exec, ok := r.executors[stepType]; ok {
		return exec, nil
	}
	if exec, ok := r.executors[schema.StepTypeDefault]; ok {
		return exec, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound,
		"no executor for step type %q and no default executor registered", stepType)
}

// Has reports whether stepType has its own executor.
func (r *Registry) Has(stepType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[stepType]
	return ok
}

// Types returns the registered step types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
