package config

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	llmtypes "github.com/parleyhq/parley/pkg/types/llm"
)

// Registry is the live model registry. The config watcher swaps its
// contents on reload, so lookups go through a read lock.
type Registry struct {
	mu          sync.RWMutex
	models      map[string]llmtypes.ModelSpec
	defaultKey  string
	critiqueKey string
	visionKey   string
}

// NewRegistry builds a registry from the models section of the config
func NewRegistry(mc ModelsConfig) (*Registry, error) {
	r := &Registry{}
	if err := r.Swap(mc); err != nil {
		return nil, err
	}
	return r, nil
}

// Swap atomically replaces the registry contents. The new contents are
// validated first; on error the old registry stays in effect.
func (r *Registry) Swap(mc ModelsConfig) error {
	if len(mc.Registry) == 0 {
		return errors.New("model registry is empty")
	}
	for _, key := range []string{mc.Default, mc.Critique, mc.Vision} {
		if _, ok := mc.Registry[key]; !ok {
			return errors.Errorf("model key %q is not in the registry", key)
		}
	}

	models := make(map[string]llmtypes.ModelSpec, len(mc.Registry))
	for k, v := range mc.Registry {
		models[k] = v
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.models = models
	r.defaultKey = mc.Default
	r.critiqueKey = mc.Critique
	r.visionKey = mc.Vision
	return nil
}

// Resolve looks up a model by key. An empty key resolves to the default.
func (r *Registry) Resolve(key string) (llmtypes.ModelSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if key == "" {
		key = r.defaultKey
	}
	spec, ok := r.models[key]
	return spec, ok
}

// ResolveOrDefault looks up a model by key, falling back to the default
// for unknown keys. Useful when a user's preferred model was removed from
// the registry.
func (r *Registry) ResolveOrDefault(key string) (string, llmtypes.ModelSpec) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if spec, ok := r.models[key]; ok {
		return key, spec
	}
	return r.defaultKey, r.models[r.defaultKey]
}

// Default returns the default model
func (r *Registry) Default() llmtypes.ModelSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.models[r.defaultKey]
}

// DefaultKey returns the default model key
func (r *Registry) DefaultKey() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultKey
}

// Critique returns the fixed premium model self_critique runs on
func (r *Registry) Critique() (string, llmtypes.ModelSpec) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.critiqueKey, r.models[r.critiqueKey]
}

// Vision returns the model used for image and PDF analysis
func (r *Registry) Vision() (string, llmtypes.ModelSpec) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.visionKey, r.models[r.visionKey]
}

// Keys returns the registry keys in sorted order
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.models))
	for k := range r.models {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
