// Package registry stores model manifests per tenant. The dispatch plane
// depends only on the Store interface; deployments pick the in-memory store
// or the PostgreSQL store.
package registry

import (
	"context"

	"github.com/inferd-io/inferd/pkg/models"
)

// Store is the manifest registry contract. Get returns a ModelNotFound
// taxonomy error for unknown or foreign-tenant models.
type Store interface {
	Get(ctx context.Context, modelID, tenantID string) (*models.ModelManifest, error)
	Put(ctx context.Context, manifest *models.ModelManifest) error
	Delete(ctx context.Context, modelID, tenantID string) error
	List(ctx context.Context, tenantID string) ([]*models.ModelManifest, error)
}

// Seed loads static manifests into the store, typically from configuration
// at startup. The first error aborts the load.
func Seed(ctx context.Context, store Store, manifests []*models.ModelManifest) error {
	for _, m := range manifests {
		if err := store.Put(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
