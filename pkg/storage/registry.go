/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// StorageFactory constructs a Storage from its configuration.
type StorageFactory func(ctx context.Context, cfg Config) (Storage, error)

// SignURLFactory constructs a SignURL from its configuration.
type SignURLFactory func(ctx context.Context, cfg Config) (SignURL, error)

type registration struct {
	storage StorageFactory
	signURL SignURLFactory
}

// Registry maps backend names to their factories.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]registration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]registration)}
}

// Register adds a backend. It panics if name is already registered or either
// factory is nil.
func (r *Registry) Register(name string, sf StorageFactory, uf SignURLFactory) {
	if sf == nil || uf == nil {
		panic(fmt.Sprintf("storage: nil factory for backend %q", name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.backends[name]; dup {
		panic(fmt.Sprintf("storage: backend %q registered twice", name))
	}
	r.backends[name] = registration{storage: sf, signURL: uf}
}

// NewStorage constructs the Storage registered under name.
func (r *Registry) NewStorage(ctx context.Context, name string, cfg Config) (Storage, error) {
	reg, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return reg.storage(ctx, cfg)
}

// NewSignURL constructs the SignURL registered under name.
func (r *Registry) NewSignURL(ctx context.Context, name string, cfg Config) (SignURL, error) {
	reg, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return reg.signURL(ctx, cfg)
}

// Names returns the registered backend names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *Registry) lookup(name string) (registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.backends[name]
	if !ok {
		return registration{}, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	return reg, nil
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide registry holding the built-in
// backends: s3, oss, gcs, azure, memory and local.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		r := NewRegistry()
		r.Register(string(BackendS3),
			func(ctx context.Context, cfg Config) (Storage, error) { return NewS3Storage(ctx, cfg) },
			func(ctx context.Context, cfg Config) (SignURL, error) { return NewS3SignURL(ctx, cfg) },
		)
		r.Register(string(BackendOSS),
			func(ctx context.Context, cfg Config) (Storage, error) { return NewOSSStorage(ctx, cfg) },
			func(ctx context.Context, cfg Config) (SignURL, error) { return NewOSSSignURL(ctx, cfg) },
		)
		r.Register(string(BackendGCS),
			func(ctx context.Context, cfg Config) (Storage, error) { return NewGCSStorage(ctx, cfg) },
			func(ctx context.Context, cfg Config) (SignURL, error) { return NewGCSSignURL(ctx, cfg) },
		)
		r.Register(string(BackendAzure),
			func(ctx context.Context, cfg Config) (Storage, error) { return NewAzureStorage(ctx, cfg) },
			func(ctx context.Context, cfg Config) (SignURL, error) { return NewAzureSignURL(ctx, cfg) },
		)
		r.Register(string(BackendMemory),
			func(_ context.Context, cfg Config) (Storage, error) { return NewMemoryStorage(cfg) },
			func(_ context.Context, cfg Config) (SignURL, error) { return NewMemorySignURL(cfg) },
		)
		r.Register(string(BackendLocal),
			func(_ context.Context, cfg Config) (Storage, error) { return NewLocalStorage(cfg) },
			func(_ context.Context, cfg Config) (SignURL, error) { return NewLocalSignURL(cfg) },
		)
		defaultRegistry = r
	})
	return defaultRegistry
}

// NewStorage constructs a Storage from the default registry.
func NewStorage(ctx context.Context, name string, cfg Config) (Storage, error) {
	return DefaultRegistry().NewStorage(ctx, name, cfg)
}

// NewSignURL constructs a SignURL from the default registry.
func NewSignURL(ctx context.Context, name string, cfg Config) (SignURL, error) {
	return DefaultRegistry().NewSignURL(ctx, name, cfg)
}

// Names lists the backends of the default registry.
func Names() []string {
	return DefaultRegistry().Names()
}
