package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/your-org/faceid/internal/match"
	"github.com/your-org/faceid/internal/storage"
	"github.com/your-org/faceid/pkg/dto"
)

// EnrollmentHandler manages stored enrollments directly, outside of a
// capture flow.
type EnrollmentHandler struct {
	store   *storage.Store
	backend match.Backend
}

func NewEnrollmentHandler(store *storage.Store, backend match.Backend) *EnrollmentHandler {
	return &EnrollmentHandler{store: store, backend: backend}
}

// Get returns the user's active enrollment metadata. Reference bytes are
// never exposed.
func (h *EnrollmentHandler) Get(c *gin.Context) {
	userID := c.Param("userId")

	e, err := h.store.Get(c.Request.Context(), userID, h.backend.Kind())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch enrollment failed"})
		return
	}
	if e == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active enrollment"})
		return
	}

	resp := dto.EnrollmentResponse{
		ID:        e.ID,
		UserID:    e.UserID,
		Backend:   string(e.BackendKind),
		Active:    e.Active,
		CreatedAt: e.CreatedAt.Format(time.RFC3339),
	}
	if e.LastUsedAt != nil {
		resp.LastUsedAt = e.LastUsedAt.Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}

// Delete deactivates the user's enrollment and removes any provider-side
// state for it.
func (h *EnrollmentHandler) Delete(c *gin.Context) {
	userID := c.Param("userId")

	ref, err := h.store.Deactivate(c.Request.Context(), userID, h.backend.Kind())
	if err != nil {
		if errors.Is(err, match.ErrNotEnrolled) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active enrollment"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete enrollment failed"})
		return
	}

	if err := h.backend.Remove(c.Request.Context(), userID, ref); err != nil {
		// Local record is already inactive; provider cleanup failure is
		// logged, not fatal for the caller.
		slog.Warn("provider-side enrollment cleanup failed", "user", userID, "error", err)
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
