package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/inferd-io/inferd/pkg/errs"
)

// writeError maps a dispatch-plane error to its HTTP response. This is the
// single place taxonomy errors become status codes; handlers never pick
// statuses themselves. Untagged errors become opaque 500s so internals do
// not leak to clients.
func writeError(c *gin.Context, err error) {
	kind, tagged := errs.KindOf(err)
	if !tagged {
		slog.Error("Unexpected error reached the API layer",
			"path", c.Request.URL.Path, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "internal error",
			"code":  errs.Internal.Code,
		})
		return
	}

	var taxErr *errs.Error
	if errors.As(err, &taxErr) {
		if ra := taxErr.RetryAfter(); ra > 0 {
			secs := int(ra.Seconds())
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", fmt.Sprintf("%d", secs))
		}
	}

	c.JSON(kind.HTTPStatus, gin.H{
		"error":     err.Error(),
		"code":      kind.Code,
		"retryable": kind.Retryable,
	})
}
