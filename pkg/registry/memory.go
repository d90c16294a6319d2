package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/inferd-io/inferd/pkg/errs"
	"github.com/inferd-io/inferd/pkg/models"
)

type manifestKey struct {
	tenantID string
	modelID  string
}

// MemoryStore is a process-local manifest store for single-node deployments
// and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	manifests map[manifestKey]*models.ModelManifest
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{manifests: make(map[manifestKey]*models.ModelManifest)}
}

// Get returns the manifest for (modelID, tenantID).
func (s *MemoryStore) Get(_ context.Context, modelID, tenantID string) (*models.ModelManifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.manifests[manifestKey{tenantID: tenantID, modelID: modelID}]
	if !ok {
		return nil, errs.Newf(errs.ModelNotFound, "model %q not found for tenant %q", modelID, tenantID).
			With("model", modelID).
			With("tenant_id", tenantID)
	}
	cp := *m
	return &cp, nil
}

// Put inserts or replaces a manifest.
func (s *MemoryStore) Put(_ context.Context, manifest *models.ModelManifest) error {
	if manifest.ModelID == "" || manifest.TenantID == "" {
		return errs.Newf(errs.ValidationMissingField, "manifest requires model_id and tenant_id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *manifest
	s.manifests[manifestKey{tenantID: manifest.TenantID, modelID: manifest.ModelID}] = &cp
	return nil
}

// Delete removes a manifest. Deleting a missing manifest is an error so
// callers can distinguish it from success.
func (s *MemoryStore) Delete(_ context.Context, modelID, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := manifestKey{tenantID: tenantID, modelID: modelID}
	if _, ok := s.manifests[k]; !ok {
		return errs.Newf(errs.ModelNotFound, "model %q not found for tenant %q", modelID, tenantID).
			With("model", modelID)
	}
	delete(s.manifests, k)
	return nil
}

// List returns the tenant's manifests sorted by model id.
func (s *MemoryStore) List(_ context.Context, tenantID string) ([]*models.ModelManifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ModelManifest, 0)
	for k, m := range s.manifests {
		if k.tenantID == tenantID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out, nil
}
