package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/doramirdor/friday-stream/pkg/audio"
	"github.com/doramirdor/friday-stream/pkg/transcribe"
)

// ErrNotRegistered is returned by the Create methods when no factory has
// been registered under the requested name.
var ErrNotRegistered = errors.New("config: not registered")

// Registry maps strategy and capture-backend names to their constructor
// functions. It is safe for concurrent use.
//
// The CLI registers the built-in implementations at startup; embedding
// applications may add their own before loading a config that names them.
type Registry struct {
	mu        sync.RWMutex
	providers map[Strategy]func(TranscribeConfig) (transcribe.Provider, error)
	captures  map[string]func(CaptureConfig) (audio.CaptureSource, error)
}

// NewRegistry creates an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[Strategy]func(TranscribeConfig) (transcribe.Provider, error)),
		captures:  make(map[string]func(CaptureConfig) (audio.CaptureSource, error)),
	}
}

// RegisterProvider registers a transcription provider factory under the
// given strategy, replacing any previous registration.
func (r *Registry) RegisterProvider(s Strategy, fn func(TranscribeConfig) (transcribe.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[s] = fn
}

// RegisterCapture registers a capture-source factory under the given
// backend name, replacing any previous registration.
func (r *Registry) RegisterCapture(name string, fn func(CaptureConfig) (audio.CaptureSource, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.captures[name] = fn
}

// CreateProvider constructs the transcription provider selected by cfg.
func (r *Registry) CreateProvider(cfg TranscribeConfig) (transcribe.Provider, error) {
	r.mu.RLock()
	fn, ok := r.providers[cfg.Strategy]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transcription strategy %q", ErrNotRegistered, cfg.Strategy)
	}
	return fn(cfg)
}

// CreateCapture constructs the capture source selected by cfg.
func (r *Registry) CreateCapture(cfg CaptureConfig) (audio.CaptureSource, error) {
	r.mu.RLock()
	fn, ok := r.captures[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture backend %q", ErrNotRegistered, cfg.Backend)
	}
	return fn(cfg)
}

// Strategies returns the registered strategy names, for startup logging.
func (r *Registry) Strategies() []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Strategy, 0, len(r.providers))
	for s := range r.providers {
		out = append(out, s)
	}
	return out
}

// CaptureBackends returns the registered backend names, for startup
// logging.
func (r *Registry) CaptureBackends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.captures))
	for name := range r.captures {
		out = append(out, name)
	}
	return out
}
