// Package recordstore builds record-store backends from configuration.
package recordstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"chatsync/pkg/chatsync"
)

// ErrNoHandler reports a backend that cannot be served over HTTP.
var ErrNoHandler = errors.New("recordstore: backend has no http handler")

// Definition describes one configured backend entry.
type Definition struct {
	// Name is the stable configured backend identifier used in logs.
	Name string
	// Type identifies which builder should construct this backend.
	Type string
	// Config stores backend-type-specific JSON payload.
	Config []byte
}

// Backend is one built record-store client with its owned resources.
type Backend struct {
	// Name echoes Definition.Name.
	Name string
	// Type echoes Definition.Type.
	Type string
	// Client is the store view the sync graph reads from.
	Client chatsync.Client
	// NewClient returns an unauthenticated client with its own token holder,
	// for per-request use.
	NewClient func() chatsync.Client
	// Handler serves the store over HTTP when the backend hosts it in-process.
	Handler http.Handler
	// Close releases connections and in-process state.
	Close func(ctx context.Context) error
}

// BuilderFunc builds one backend from one configured definition.
type BuilderFunc func(ctx context.Context, definition Definition, logger *slog.Logger) (Backend, error)

// Descriptor binds one backend type token to its builder.
type Descriptor struct {
	Type    string
	Builder BuilderFunc
}

// Registry maps backend types to builders.
type Registry struct {
	builders map[string]BuilderFunc
	types    []string
}

// NewRegistry creates one immutable registry from descriptors.
func NewRegistry(descriptors []Descriptor) (*Registry, error) {
	builders := make(map[string]BuilderFunc, len(descriptors))
	types := make([]string, 0, len(descriptors))
	for _, descriptor := range descriptors {
		if descriptor.Type == "" {
			return nil, fmt.Errorf("new registry: empty descriptor type")
		}
		if descriptor.Builder == nil {
			return nil, fmt.Errorf("new registry type %s: nil builder", descriptor.Type)
		}
		if _, exists := builders[descriptor.Type]; exists {
			return nil, fmt.Errorf("new registry type %s: duplicate", descriptor.Type)
		}

		builders[descriptor.Type] = descriptor.Builder
		types = append(types, descriptor.Type)
	}
	sort.Strings(types)

	return &Registry{builders: builders, types: types}, nil
}

// Types returns all registered backend types in sorted order.
func (r *Registry) Types() []string {
	if r == nil {
		return nil
	}

	types := make([]string, len(r.types))
	copy(types, r.types)

	return types
}

// Build constructs the backend for definition.
func (r *Registry) Build(ctx context.Context, definition Definition, logger *slog.Logger) (Backend, error) {
	if r == nil {
		return Backend{}, fmt.Errorf("build backend: nil registry")
	}
	if definition.Name == "" {
		definition.Name = definition.Type
	}
	if definition.Type == "" {
		return Backend{}, fmt.Errorf("build backend %s: empty type", definition.Name)
	}
	builder, exists := r.builders[definition.Type]
	if !exists {
		return Backend{}, fmt.Errorf("build backend %s type %s: unsupported type", definition.Name, definition.Type)
	}
	if logger == nil {
		logger = slog.Default()
	}

	backend, err := builder(ctx, definition, logger.With("backend", definition.Name))
	if err != nil {
		return Backend{}, fmt.Errorf("build backend %s type %s: %w", definition.Name, definition.Type, err)
	}
	if backend.Client == nil {
		return Backend{}, fmt.Errorf("build backend %s type %s: nil client", definition.Name, definition.Type)
	}
	if backend.NewClient == nil {
		return Backend{}, fmt.Errorf("build backend %s type %s: nil client factory", definition.Name, definition.Type)
	}
	backend.Name = definition.Name
	backend.Type = definition.Type
	if backend.Close == nil {
		backend.Close = func(context.Context) error { return nil }
	}

	return backend, nil
}
