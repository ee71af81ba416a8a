package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fablehome/fablewake/pkg/audio"
	"github.com/fablehome/fablewake/pkg/provider/stt"
	"github.com/fablehome/fablewake/pkg/provider/wake"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory
// has been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps configured names to constructor functions for each
// pluggable component kind. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	stt     map[string]func(ProviderEntry) (stt.Transcriber, error)
	engines map[string]func(WakeConfig) (wake.Engine, error)
	sources map[string]func(AudioConfig) (audio.Source, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stt:     make(map[string]func(ProviderEntry) (stt.Transcriber, error)),
		engines: make(map[string]func(WakeConfig) (wake.Engine, error)),
		sources: make(map[string]func(AudioConfig) (audio.Source, error)),
	}
}

// RegisterSTT registers a transcriber factory under name. Subsequent calls
// with the same name overwrite the previous registration.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Transcriber, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterWakeEngine registers a wake engine factory under name.
func (r *Registry) RegisterWakeEngine(name string, factory func(WakeConfig) (wake.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[name] = factory
}

// RegisterSource registers an audio source factory under name.
func (r *Registry) RegisterSource(name string, factory func(AudioConfig) (audio.Source, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

// CreateSTT instantiates a transcriber using the factory registered under
// entry.Name. Returns [ErrProviderNotRegistered] if none is registered.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Transcriber, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateWakeEngine instantiates the wake engine selected by cfg.Engine.
func (r *Registry) CreateWakeEngine(cfg WakeConfig) (wake.Engine, error) {
	r.mu.RLock()
	factory, ok := r.engines[string(cfg.Engine)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: wake/%q", ErrProviderNotRegistered, cfg.Engine)
	}
	return factory(cfg)
}

// CreateSource instantiates the audio source selected by cfg.Source.
func (r *Registry) CreateSource(cfg AudioConfig) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.sources[string(cfg.Source)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrProviderNotRegistered, cfg.Source)
	}
	return factory(cfg)
}

// STTNames returns the registered transcriber names, for diagnostics.
func (r *Registry) STTNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.stt))
	for name := range r.stt {
		names = append(names, name)
	}
	return names
}
