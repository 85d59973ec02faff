// Package status serves a node's election state over HTTP.
package status

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danl5/loadelect/pkg/consensus"
	"github.com/danl5/loadelect/pkg/model"
)

// Node is what the status server reads and controls.
type Node interface {
	Status() consensus.Status
	Inject(m model.SystemMetrics)
	ClearInjection()
}

type Server struct {
	node      Node
	logger    *slog.Logger
	ginEngine *gin.Engine
	srv       *http.Server
}

func NewServer(node Node, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		node:      node,
		logger:    logger.With("component", "status server"),
		ginEngine: router,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.ginEngine.GET("/status", s.handleStatus)
	s.ginEngine.GET("/healthz", s.handleHealthz)
	s.ginEngine.POST("/inject", s.handleInject)
	s.ginEngine.DELETE("/inject", s.handleClearInjection)
	s.ginEngine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.ginEngine
}

// Start listens on address in the background.
func (s *Server) Start(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	s.srv = &http.Server{Handler: s.ginEngine, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server stopped", "error", err.Error())
		}
	}()
	s.logger.Info("status server started", "address", l.Addr().String())
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.node.Status())
}

func (s *Server) handleHealthz(c *gin.Context) {
	st := s.node.Status()
	c.JSON(http.StatusOK, gin.H{"state": st.State, "leader_id": st.LeaderID})
}

func (s *Server) handleInject(c *gin.Context) {
	var m model.SystemMetrics
	if err := c.ShouldBindJSON(&m); err != nil {
		s.logger.Warn("bad inject request", "error", err.Error())
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.node.Inject(m)
	c.JSON(http.StatusAccepted, m)
}

func (s *Server) handleClearInjection(c *gin.Context) {
	s.node.ClearInjection()
	c.Status(http.StatusNoContent)
}
