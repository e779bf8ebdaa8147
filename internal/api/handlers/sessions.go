package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/faceid/internal/flow"
	"github.com/your-org/faceid/pkg/dto"
)

// SessionHandler exposes the enrollment/verification flows over HTTP.
type SessionHandler struct {
	flows *flow.Manager
}

func NewSessionHandler(flows *flow.Manager) *SessionHandler {
	return &SessionHandler{flows: flows}
}

// Enroll starts an enrollment flow for an identified user.
func (h *SessionHandler) Enroll(c *gin.Context) {
	var req dto.StartEnrollmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s, err := h.flows.StartEnrollment(req.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	snap, _ := h.flows.Get(s.ID)
	c.JSON(http.StatusAccepted, toSessionResponse(snap))
}

// Verify starts a verification flow.
func (h *SessionHandler) Verify(c *gin.Context) {
	var req dto.StartVerificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s, err := h.flows.StartVerification(c.Request.Context(), req.UserID)
	if err != nil {
		if errors.Is(err, flow.ErrLockedOut) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many failed attempts, try again later"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	snap, _ := h.flows.Get(s.ID)
	c.JSON(http.StatusAccepted, toSessionResponse(snap))
}

// Get returns the current state of a session.
func (h *SessionHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	snap, ok := h.flows.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(snap))
}

// Confirm resolves the enable/skip choice after a successful enrollment
// capture.
func (h *SessionHandler) Confirm(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	var req dto.ConfirmEnrollmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.flows.ConfirmEnrollment(c.Request.Context(), id, *req.Enable); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	snap, _ := h.flows.Get(id)
	c.JSON(http.StatusOK, toSessionResponse(snap))
}

// Cancel aborts a running session.
func (h *SessionHandler) Cancel(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	if !h.flows.Cancel(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func toSessionResponse(snap flow.Snapshot) dto.SessionResponse {
	resp := dto.SessionResponse{
		ID:          snap.ID,
		Mode:        string(snap.Mode),
		State:       string(snap.State),
		Attempt:     snap.Attempt,
		Reason:      snap.Reason,
		Kind:        snap.Kind,
		MatchedUser: snap.MatchedUser,
	}
	if snap.Tokens != nil {
		resp.Tokens = &dto.TokensBody{
			AccessToken:  snap.Tokens.AccessToken,
			RefreshToken: snap.Tokens.RefreshToken,
		}
		if !snap.Tokens.ExpiresAt.IsZero() {
			resp.Tokens.ExpiresAt = snap.Tokens.ExpiresAt.Format(time.RFC3339)
		}
	}
	return resp
}
