package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleJobSubmit serves POST /api/v1/jobs. The body is the same as the
// synchronous infer endpoint; the response is the pending job record.
func (s *Server) handleJobSubmit(c *gin.Context) {
	req, err := bindInferRequest(c)
	if err != nil {
		writeError(c, err)
		return
	}
	tenant := tenantFrom(c)
	tenant.RequestID = req.RequestID

	job, err := s.deps.Jobs.Submit(c.Request.Context(), req, tenant)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// handleJobGet serves GET /api/v1/jobs/:id.
func (s *Server) handleJobGet(c *gin.Context) {
	job, err := s.deps.Jobs.Get(c.Param("id"), tenantFrom(c).TenantID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// handleJobList serves GET /api/v1/jobs, newest first.
func (s *Server) handleJobList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"jobs": s.deps.Jobs.List(tenantFrom(c).TenantID),
	})
}

// handleJobCancel serves DELETE /api/v1/jobs/:id. Pending jobs cancel
// immediately; running jobs cancel asynchronously via their context.
func (s *Server) handleJobCancel(c *gin.Context) {
	job, err := s.deps.Jobs.Cancel(c.Param("id"), tenantFrom(c).TenantID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}
