package storage

import (
	"fmt"
	"sort"
	"sync"
)

type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

func (r *Registry) Register(storeType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[storeType] = factory
}

func (r *Registry) Create(storeType string, opts Options) (Store, error) {
	r.mu.RLock()
	factory, exists := r.factories[storeType]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("token store type %s not registered", storeType)
	}

	return factory.Create(opts)
}

func (r *Registry) GetAvailableTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for storeType := range r.factories {
		types = append(types, storeType)
	}
	sort.Strings(types)
	return types
}

func (r *Registry) IsRegistered(storeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.factories[storeType]
	return exists
}

var DefaultRegistry = NewRegistry()

func Register(storeType string, factory Factory) {
	DefaultRegistry.Register(storeType, factory)
}

func Create(storeType string, opts Options) (Store, error) {
	return DefaultRegistry.Create(storeType, opts)
}

func GetAvailableTypes() []string {
	return DefaultRegistry.GetAvailableTypes()
}

type memoryFactory struct{}

func (memoryFactory) Create(Options) (Store, error) { return NewMemoryStore(), nil }
func (memoryFactory) GetType() string              { return "memory" }

type redisFactory struct{}

func (redisFactory) Create(opts Options) (Store, error) {
	if opts.Redis == nil {
		return nil, fmt.Errorf("redis token store requires a redis client")
	}
	return NewRedisStore(opts.Redis), nil
}

func (redisFactory) GetType() string { return "redis" }

func init() {
	Register("memory", memoryFactory{})
	Register("redis", redisFactory{})
}
