package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// namespaceHandler handles GET /api/namespace.
func (s *Server) namespaceHandler(c *gin.Context) {
	c.JSON(http.StatusOK, NamespaceResponse{
		Namespace:   s.Namespace,
		AutoDerived: s.NamespaceAutoDerived,
		TableName:   s.TableName,
		StateDir:    s.StateDir,
		Port:        s.Port,
	})
}
