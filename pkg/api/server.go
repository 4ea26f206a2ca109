// Package api implements the local HTTP control plane: task
// enqueue/get/list plus health and namespace introspection for the Web/Mobile
// layer that sits above the core. Built on gin, with one handler file per
// concern.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pm-runner/pmrunner/pkg/poller"
	"github.com/pm-runner/pmrunner/pkg/queuestore"
)

// Server is the HTTP API server.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server

	Store *queuestore.QueueStore
	// Poller reports its run status for the health endpoint; nil is
	// tolerated (poller_status is then left out of the response).
	Poller *poller.Poller

	Namespace            string
	NamespaceAutoDerived bool
	TableName            string
	StateDir             string
	Port                 string
}

// NewServer wires routes and returns a ready-to-start Server.
func NewServer(store *queuestore.QueueStore, namespace string, autoDerived bool, tableName, stateDir, port string) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:               engine,
		Store:                store,
		Namespace:            namespace,
		NamespaceAutoDerived: autoDerived,
		TableName:            tableName,
		StateDir:             stateDir,
		Port:                 port,
	}
	s.setupRoutes()
	return s
}

// setupRoutes registers every control-plane endpoint.
func (s *Server) setupRoutes() {
	s.engine.GET("/api/health", s.healthHandler)
	s.engine.GET("/api/namespace", s.namespaceHandler)

	tasks := s.engine.Group("/api/tasks")
	tasks.POST("", s.createTaskHandler)
	tasks.GET("", s.listTasksHandler)
	tasks.GET("/:task_id", s.getTaskHandler)
}

// Start runs the HTTP server until it errors or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.engine}
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
