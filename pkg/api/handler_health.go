package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// healthHandler handles GET /api/health.
func (s *Server) healthHandler(c *gin.Context) {
	resp := HealthResponse{
		Status:               "healthy",
		Timestamp:            time.Now().UTC().Format(time.RFC3339),
		Namespace:            s.Namespace,
		NamespaceAutoDerived: s.NamespaceAutoDerived,
		TableName:            s.TableName,
		StateDir:             s.StateDir,
	}
	if s.Poller != nil {
		status, _ := s.Poller.Status()
		resp.PollerStatus = string(status)
	}
	c.JSON(http.StatusOK, resp)
}
