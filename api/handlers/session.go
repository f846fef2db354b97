// Package handlers provides HTTP API request handlers.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentterm/agentterm/internal/model"
	"github.com/agentterm/agentterm/internal/registry"
)

// SessionHandler handles HTTP requests for session management.
type SessionHandler struct {
	reg *registry.Registry
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(reg *registry.Registry) *SessionHandler {
	return &SessionHandler{reg: reg}
}

// CreateSessionRequest represents the request body for creating a session.
type CreateSessionRequest struct {
	Name       string `json:"name" binding:"required"`
	WorkingDir string `json:"workingDir" binding:"required"`
}

// SessionResponse represents a session in API responses.
type SessionResponse struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	WorkingDir     string `json:"workingDir"`
	ToolType       string `json:"toolType,omitempty"`
	Status         string `json:"status"`
	ExitCode       *int   `json:"exitCode,omitempty"`
	CreatedAt      string `json:"createdAt"`
	LastActivityAt string `json:"lastActivityAt"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// toSessionResponse converts a model.Session to SessionResponse.
func toSessionResponse(s *model.Session) *SessionResponse {
	return &SessionResponse{
		ID:             s.ID,
		Name:           s.Name,
		WorkingDir:     s.WorkingDir,
		ToolType:       string(s.ToolType),
		Status:         string(s.Status),
		ExitCode:       s.ExitCode,
		CreatedAt:      s.CreatedAt.Format(time.RFC3339),
		LastActivityAt: s.LastActivityAt.Format(time.RFC3339),
	}
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// RegisterRoutes registers session routes on the API group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/sessions/list", h.List)
	rg.POST("/sessions/create", h.Create)
	rg.DELETE("/sessions/:id", h.Delete)
}

// List handles GET /api/sessions/list.
func (h *SessionHandler) List(c *gin.Context) {
	sessions := h.reg.List()
	out := make([]*SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toSessionResponse(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// Create handles POST /api/sessions/create.
func (h *SessionHandler) Create(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	session, err := h.reg.Create(c.Request.Context(), &model.CreateSessionRequest{
		Name:       req.Name,
		WorkingDir: req.WorkingDir,
	})
	if err != nil {
		switch {
		case errors.Is(err, model.ErrNameRequired), errors.Is(err, model.ErrWorkingDirRequired):
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		case errors.Is(err, model.ErrPathTraversal):
			sendError(c, http.StatusForbidden, "PATH_TRAVERSAL", err.Error())
		default:
			sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		}
		return
	}

	c.JSON(http.StatusCreated, toSessionResponse(session))
}

// Delete handles DELETE /api/sessions/:id.
func (h *SessionHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.reg.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
