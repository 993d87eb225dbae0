package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/owl/pkg/provider/imagegen"
	"github.com/MrWong99/owl/pkg/provider/live"
	"github.com/MrWong99/owl/pkg/provider/llm"
	"github.com/MrWong99/owl/pkg/provider/vision"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider of type T from its config entry.
type Factory[T any] func(ProviderEntry) (T, error)

// factories is one kind's name to constructor table.
type factories[T any] struct {
	kind string
	m    map[string]Factory[T]
}

func newFactories[T any](kind string) factories[T] {
	return factories[T]{kind: kind, m: make(map[string]Factory[T])}
}

func (f factories[T]) create(entry ProviderEntry) (T, error) {
	factory, ok := f.m[entry.Name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	return factory(entry)
}

func (f factories[T]) names() []string {
	names := make([]string, 0, len(f.m))
	for n := range f.m {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	live     factories[live.Provider]
	llm      factories[llm.Provider]
	vision   factories[vision.Provider]
	imagegen factories[imagegen.Provider]
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		live:     newFactories[live.Provider]("live"),
		llm:      newFactories[llm.Provider]("llm"),
		vision:   newFactories[vision.Provider]("vision"),
		imagegen: newFactories[imagegen.Provider]("imagegen"),
	}
}

// RegisterLive registers a live streaming provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLive(name string, factory Factory[live.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live.m[name] = factory
}

// RegisterLLM registers a chat provider factory under name.
func (r *Registry) RegisterLLM(name string, factory Factory[llm.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm.m[name] = factory
}

// RegisterVision registers an image description provider factory under name.
func (r *Registry) RegisterVision(name string, factory Factory[vision.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vision.m[name] = factory
}

// RegisterImageGen registers an image generation provider factory under name.
func (r *Registry) RegisterImageGen(name string, factory Factory[imagegen.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.imagegen.m[name] = factory
}

// CreateLive instantiates the live provider registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateLive(entry ProviderEntry) (live.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live.create(entry)
}

// CreateLLM instantiates the chat provider registered under entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.llm.create(entry)
}

// CreateVision instantiates the vision provider registered under entry.Name.
func (r *Registry) CreateVision(entry ProviderEntry) (vision.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.vision.create(entry)
}

// CreateImageGen instantiates the image generation provider registered under
// entry.Name.
func (r *Registry) CreateImageGen(entry ProviderEntry) (imagegen.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.imagegen.create(entry)
}

// Names returns the sorted registered provider names per kind.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string][]string{
		"live":     r.live.names(),
		"llm":      r.llm.names(),
		"vision":   r.vision.names(),
		"imagegen": r.imagegen.names(),
	}
}
