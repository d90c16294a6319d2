package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/inferd-io/inferd/pkg/breaker"
	"github.com/inferd-io/inferd/pkg/models"
)

// handleHealth serves GET /health. Always 200 while the process accepts
// connections; per-provider state lives in /api/v1/providers.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleModelList serves GET /api/v1/models: the manifests visible to the
// calling tenant.
func (s *Server) handleModelList(c *gin.Context) {
	manifests, err := s.deps.Registry.List(c.Request.Context(), tenantFrom(c).TenantID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": manifests})
}

// providerStatus is one row of the provider listing: advertised
// capabilities plus the observed runtime state.
type providerStatus struct {
	ID           string                      `json:"id"`
	Capabilities models.ProviderCapabilities `json:"capabilities"`
	Health       models.ProviderHealth       `json:"health"`
	Breaker      breaker.Snapshot            `json:"breaker"`
	Load         float64                     `json:"load"`
}

// handleProviderList serves GET /api/v1/providers.
func (s *Server) handleProviderList(c *gin.Context) {
	adapters := s.deps.Providers.All()
	out := make([]providerStatus, 0, len(adapters))
	for _, a := range adapters {
		id := a.ID()
		out = append(out, providerStatus{
			ID:           id,
			Capabilities: a.Capabilities(),
			Health:       s.deps.Sink.Health(id),
			Breaker:      s.deps.Breakers.Get(id).Snapshot(),
			Load:         s.deps.Sink.CurrentLoad(id),
		})
	}
	c.JSON(http.StatusOK, gin.H{"providers": out})
}
