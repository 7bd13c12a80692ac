// Package registry tracks which models the gateway may serve and which
// input modalities each supports.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"converse-gateway/internal/config"
)

// ErrUnsupportedModel indicates the requested model is not in the current
// capability snapshot.
var ErrUnsupportedModel = errors.New("unsupported model")

// ErrUnsupportedModality indicates the requested model cannot accept the
// given input modality.
var ErrUnsupportedModality = errors.New("unsupported modality")

// Source supplies the capability snapshot. Implementations must be safe for
// repeated calls; the registry treats each result as immutable.
type Source func(ctx context.Context) (map[string][]string, error)

// Registry is a refreshable snapshot of model capabilities.
type Registry struct {
	mu     sync.RWMutex
	models map[string][]string
	source Source
}

// FromConfig builds a registry seeded by the configured model list.
func FromConfig(models []config.ModelConfig) *Registry {
	snapshot := make(map[string][]string, len(models))
	for _, model := range models {
		snapshot[model.ID] = model.Modalities
	}
	return &Registry{
		models: snapshot,
		source: func(context.Context) (map[string][]string, error) {
			return snapshot, nil
		},
	}
}

// New builds a registry over an arbitrary capability source. The initial
// snapshot is empty until Refresh is called.
func New(source Source) *Registry {
	return &Registry{
		models: map[string][]string{},
		source: source,
	}
}

// Refresh replaces the snapshot from the source.
func (r *Registry) Refresh(ctx context.Context) error {
	snapshot, err := r.source(ctx)
	if err != nil {
		return fmt.Errorf("refresh model capabilities: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.models = snapshot
	return nil
}

// List returns the known model identifiers in stable order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.models))
	for id := range r.models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Check returns ErrUnsupportedModel when the model is not in the snapshot.
func (r *Registry) Check(modelID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.models[modelID]; !ok {
		return fmt.Errorf("%w: %s, use the models API to list supported models", ErrUnsupportedModel, modelID)
	}
	return nil
}

// CheckModality returns ErrUnsupportedModality when the model cannot accept
// the given input modality.
func (r *Registry) CheckModality(modelID, modality string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, supported := range r.models[modelID] {
		if supported == modality {
			return nil
		}
	}
	return fmt.Errorf("%w: %s input is not supported by %s", ErrUnsupportedModality, modality, modelID)
}
