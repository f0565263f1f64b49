package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/heartsync/heartsync/internal/auth"
	"github.com/heartsync/heartsync/internal/relationship"
)

type registerRequest struct {
	Email       string    `json:"email" binding:"required,email"`
	Password    string    `json:"password" binding:"required"`
	DisplayName string    `json:"displayName" binding:"required"`
	Role        auth.Role `json:"role" binding:"required"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := s.deps.Auth.Register(c.Request.Context(), req.Email, req.Password, req.DisplayName, req.Role)
	if err != nil {
		s.respondError(c, err)
		return
	}

	token, err := s.deps.Auth.IssueToken(user)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"token": token, "user": user})
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, user, err := s.deps.Auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
}

func (s *Server) handleListRelationships(c *gin.Context) {
	userID := c.GetString(auth.ContextUserID)
	status := relationship.Status(c.Query("status"))

	var rels []*relationship.Relationship
	var err error
	if role, _ := c.Get(auth.ContextRole); role == auth.RoleDoctor {
		rels, err = s.deps.Relationships.ListByDoctor(c.Request.Context(), userID, status)
	} else {
		rels, err = s.deps.Relationships.ListByPatient(c.Request.Context(), userID, status)
	}
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"relationships": rels})
}

type requestRelationshipBody struct {
	DoctorID string `json:"doctorId" binding:"required"`
}

func (s *Server) handleRequestRelationship(c *gin.Context) {
	var req requestRelationshipBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rel, err := s.deps.Relationships.Request(c.Request.Context(), c.GetString(auth.ContextUserID), req.DoctorID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"relationship": rel})
}

func (s *Server) handleAcceptRelationship(c *gin.Context) {
	s.transitionRelationship(c, s.deps.Relationships.Accept)
}

func (s *Server) handleRejectRelationship(c *gin.Context) {
	s.transitionRelationship(c, s.deps.Relationships.Reject)
}

func (s *Server) handleCancelRelationship(c *gin.Context) {
	s.transitionRelationship(c, s.deps.Relationships.Cancel)
}

func (s *Server) handleRemoveRelationship(c *gin.Context) {
	s.transitionRelationship(c, s.deps.Relationships.Remove)
}

func (s *Server) transitionRelationship(
	c *gin.Context,
	op func(ctx context.Context, relationshipID, userID string) (*relationship.Relationship, error),
) {
	rel, err := op(c.Request.Context(), c.Param("id"), c.GetString(auth.ContextUserID))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"relationship": rel})
}

func (s *Server) handleListSessions(c *gin.Context) {
	patientID := c.GetString(auth.ContextUserID)
	if role, _ := c.Get(auth.ContextRole); role == auth.RoleDoctor {
		if q := c.Query("patientId"); q != "" {
			patientID = q
		}
	}

	sessions, err := s.deps.Sessions.ListByPatient(c.Request.Context(), patientID, 0)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) handleListActiveSessions(c *gin.Context) {
	sessions, err := s.deps.Sessions.ListActive(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.deps.Sessions.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (s *Server) handleListDevices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"supported": s.deps.Discovery.IsSupported(),
		"devices":   s.deps.Discovery.Devices(),
	})
}

func (s *Server) handleScanDevices(c *gin.Context) {
	devices := s.deps.Discovery.Scan(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"devices": devices, "found": len(devices)})
}

func (s *Server) handleConnectDevice(c *gin.Context) {
	ok := s.deps.Discovery.Connect(c.Request.Context(), c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"connected": ok})
}

func (s *Server) handleDisconnectDevice(c *gin.Context) {
	s.deps.Discovery.Disconnect()
	c.Status(http.StatusNoContent)
}

type streamConnectRequest struct {
	DeviceID  string `json:"deviceId" binding:"required"`
	PatientID string `json:"patientId"`
}

func (s *Server) handleStreamConnect(c *gin.Context) {
	var req streamConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Patients stream for themselves; doctors may start a stream on a
	// patient's behalf.
	patientID := c.GetString(auth.ContextUserID)
	if role, _ := c.Get(auth.ContextRole); role == auth.RoleDoctor && req.PatientID != "" {
		patientID = req.PatientID
	}

	if err := s.deps.Stream.Connect(c.Request.Context(), req.DeviceID, patientID); err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": s.deps.Stream.Status().String()})
}

func (s *Server) handleStreamDisconnect(c *gin.Context) {
	s.deps.Stream.Disconnect()
	c.JSON(http.StatusOK, gin.H{"status": s.deps.Stream.Status().String()})
}

type streamCommandRequest struct {
	Command string `json:"command" binding:"required"`
}

func (s *Server) handleStreamCommand(c *gin.Context) {
	var req streamCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.deps.Stream.SendCommand(req.Command)
	c.Status(http.StatusAccepted)
}

func (s *Server) handleStreamStatus(c *gin.Context) {
	resp := gin.H{
		"status":   s.deps.Stream.Status().String(),
		"deviceId": s.deps.Stream.DeviceID(),
	}
	if err := s.deps.Stream.LastStoreError(); err != nil {
		resp["lastStoreError"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}
