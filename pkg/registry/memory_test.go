package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferd-io/inferd/pkg/errs"
	"github.com/inferd-io/inferd/pkg/models"
)

func sampleManifest(modelID, tenantID string) *models.ModelManifest {
	return &models.ModelManifest{
		ModelID:  modelID,
		TenantID: tenantID,
		Name:     "Sample",
		Version:  "1",
		Artifacts: map[models.Format]string{
			models.FormatGGUF: "/models/" + modelID + ".gguf",
		},
		SupportedDevices: []models.DeviceSupport{
			{Device: models.DeviceCPU},
			{Device: models.DeviceCUDA, MinMemory: 4 << 30},
		},
		Requirements: models.ResourceRequirements{MinRAM: 8 << 30},
		Metadata:     map[string]string{"family": "qwen"},
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, sampleManifest("m", "acme")))

	got, err := s.Get(ctx, "m", "acme")
	require.NoError(t, err)
	assert.Equal(t, "Sample", got.Name)
	assert.Equal(t, "/models/m.gguf", got.Artifacts[models.FormatGGUF])
	assert.Len(t, got.SupportedDevices, 2)
}

func TestMemoryStoreGetIsTenantScoped(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, sampleManifest("m", "acme")))

	_, err := s.Get(ctx, "m", "globex")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.ModelNotFound))
}

func TestMemoryStorePutValidates(t *testing.T) {
	s := NewMemoryStore()

	err := s.Put(context.Background(), &models.ModelManifest{ModelID: "m"})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.ValidationMissingField))
}

func TestMemoryStorePutReplaces(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, sampleManifest("m", "acme")))
	updated := sampleManifest("m", "acme")
	updated.Version = "2"
	require.NoError(t, s.Put(ctx, updated))

	got, err := s.Get(ctx, "m", "acme")
	require.NoError(t, err)
	assert.Equal(t, "2", got.Version)
}

func TestMemoryStoreDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, sampleManifest("m", "acme")))
	require.NoError(t, s.Delete(ctx, "m", "acme"))

	_, err := s.Get(ctx, "m", "acme")
	assert.True(t, errs.IsKind(err, errs.ModelNotFound))

	err = s.Delete(ctx, "m", "acme")
	assert.True(t, errs.IsKind(err, errs.ModelNotFound))
}

func TestMemoryStoreListSortsByModelID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, sampleManifest("zeta", "acme")))
	require.NoError(t, s.Put(ctx, sampleManifest("alpha", "acme")))
	require.NoError(t, s.Put(ctx, sampleManifest("other", "globex")))

	got, err := s.List(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "alpha", got[0].ModelID)
	assert.Equal(t, "zeta", got[1].ModelID)
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, sampleManifest("m", "acme")))

	got, err := s.Get(ctx, "m", "acme")
	require.NoError(t, err)
	got.Version = "mutated"

	again, err := s.Get(ctx, "m", "acme")
	require.NoError(t, err)
	assert.Equal(t, "1", again.Version)
}

func TestSeed(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := Seed(ctx, s, []*models.ModelManifest{
		sampleManifest("a", "acme"),
		sampleManifest("b", "acme"),
	})
	require.NoError(t, err)

	got, err := s.List(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
