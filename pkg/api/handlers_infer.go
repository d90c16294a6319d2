package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/inferd-io/inferd/pkg/errs"
	"github.com/inferd-io/inferd/pkg/models"
)

// inferRequest is the wire form of an inference request. timeout_ms exists
// because JSON clients cannot express time.Duration values sanely.
type inferRequest struct {
	models.InferenceRequest
	TimeoutMs int64 `json:"timeout_ms,omitempty"`
}

// bindInferRequest decodes and normalizes the request body. The server
// generates a request ID when the client supplies none.
func bindInferRequest(c *gin.Context) (*models.InferenceRequest, error) {
	var wire inferRequest
	if err := c.ShouldBindJSON(&wire); err != nil {
		return nil, errs.Newf(errs.ValidationInvalidRequest, "invalid request body: %v", err)
	}
	req := wire.InferenceRequest
	if wire.TimeoutMs > 0 {
		req.Timeout = time.Duration(wire.TimeoutMs) * time.Millisecond
	}
	if req.RequestID == "" {
		req.RequestID = models.NewRequestID()
	}
	return &req, nil
}

// handleInfer serves POST /api/v1/infer. Requests with streaming=true get a
// text/event-stream response; everything else gets one JSON document.
func (s *Server) handleInfer(c *gin.Context) {
	req, err := bindInferRequest(c)
	if err != nil {
		writeError(c, err)
		return
	}
	tenant := tenantFrom(c)
	tenant.RequestID = req.RequestID

	if req.Streaming {
		s.streamInfer(c, req, tenant)
		return
	}

	resp, err := s.deps.Router.Infer(c.Request.Context(), req, tenant)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// streamInfer relays a token stream as server-sent events. Every chunk is
// one data: event; the terminal chunk is followed by data: [DONE]. Errors
// after the stream starts arrive as the terminal chunk's finish_reason, not
// as an HTTP status, since headers are already on the wire.
func (s *Server) streamInfer(c *gin.Context, req *models.InferenceRequest, tenant models.TenantContext) {
	st, err := s.deps.Router.InferStream(c.Request.Context(), req, tenant)
	if err != nil {
		writeError(c, err)
		return
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		chunk, err := st.Recv(ctx)
		if err != nil {
			// Consumer gone or request cancelled; the router releases the
			// upstream via the stream's cancellation.
			return
		}
		if !writeSSE(c, chunk) {
			st.Cancel()
			return
		}
		if chunk.IsComplete {
			fmt.Fprint(c.Writer, "data: [DONE]\n\n")
			c.Writer.Flush()
			return
		}
	}
}

func writeSSE(c *gin.Context, chunk models.StreamChunk) bool {
	data, err := json.Marshal(chunk)
	if err != nil {
		return false
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}
