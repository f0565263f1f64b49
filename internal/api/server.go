// Package api exposes the HTTP surface: account endpoints, doctor-patient
// relationships, session history, device discovery, and control of the live
// stream.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/heartsync/heartsync/internal/auth"
	"github.com/heartsync/heartsync/internal/discovery"
	"github.com/heartsync/heartsync/internal/relationship"
	"github.com/heartsync/heartsync/internal/session"
	"github.com/heartsync/heartsync/internal/stream"
)

// Deps carries the wired components the server exposes.
type Deps struct {
	Auth          *auth.Service
	Sessions      *session.Store
	Relationships *relationship.Store
	Discovery     *discovery.Manager
	Stream        *stream.Client
	Logger        *logrus.Logger
}

// Server is the HTTP API.
type Server struct {
	router *gin.Engine
	deps   Deps
	logger *logrus.Logger
}

// NewServer builds the router with all routes registered.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.Default())

	s := &Server{router: router, deps: deps, logger: deps.Logger}
	s.registerRoutes()
	return s
}

// Handler returns the http.Handler for serving or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	api := s.router.Group("/api")

	api.POST("/auth/register", s.handleRegister)
	api.POST("/auth/login", s.handleLogin)

	authed := api.Group("", auth.RequireAuth(s.deps.Auth))

	authed.GET("/relationships", s.handleListRelationships)
	authed.POST("/relationships", auth.RequireRole(auth.RolePatient), s.handleRequestRelationship)
	authed.POST("/relationships/:id/accept", auth.RequireRole(auth.RoleDoctor), s.handleAcceptRelationship)
	authed.POST("/relationships/:id/reject", auth.RequireRole(auth.RoleDoctor), s.handleRejectRelationship)
	authed.POST("/relationships/:id/cancel", auth.RequireRole(auth.RolePatient), s.handleCancelRelationship)
	authed.POST("/relationships/:id/remove", s.handleRemoveRelationship)

	authed.GET("/sessions", s.handleListSessions)
	authed.GET("/sessions/active", s.handleListActiveSessions)
	authed.GET("/sessions/:id", s.handleGetSession)

	authed.GET("/devices", s.handleListDevices)
	authed.POST("/devices/scan", s.handleScanDevices)
	authed.POST("/devices/:id/connect", s.handleConnectDevice)
	authed.POST("/devices/disconnect", s.handleDisconnectDevice)

	authed.POST("/stream/connect", s.handleStreamConnect)
	authed.POST("/stream/disconnect", s.handleStreamDisconnect)
	authed.POST("/stream/command", s.handleStreamCommand)
	authed.GET("/stream/status", s.handleStreamStatus)
}

// respondError maps internal errors to JSON error responses.
func (s *Server) respondError(c *gin.Context, err error) {
	var transitionErr *relationship.TransitionError

	switch {
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, relationship.ErrNotFound),
		errors.Is(err, auth.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, relationship.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, relationship.ErrAlreadyLinked),
		errors.Is(err, session.ErrNotActive),
		errors.As(err, &transitionErr):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, auth.ErrEmailTaken):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, auth.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	default:
		s.logger.WithError(err).Error("Request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
