package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mossy-p/pi-signaling/internal/models"
	"github.com/mossy-p/pi-signaling/internal/relay"
)

// GetStatus reports slot occupancy and buffered messages.
func GetStatus(r *relay.Relay) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, r.Snapshot())
	}
}

// EvictSlot force-closes the connection holding the given role (requires authentication)
func EvictSlot(r *relay.Relay, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := models.Role(c.Param("role"))

		err := r.Evict(role)
		switch {
		case errors.Is(err, relay.ErrUnknownRole):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown role"})
			return
		case errors.Is(err, relay.ErrNoPeer):
			c.JSON(http.StatusNotFound, gin.H{"error": "Slot is empty"})
			return
		case err != nil:
			// The slot is already cleared; only the close handshake failed.
			logger.Warn("closing evicted connection", zap.Error(err), zap.Stringer("role", role))
		}

		userID, _ := c.Get("user_id")
		logger.Info("slot evicted", zap.Stringer("role", role), zap.Any("user_id", userID))
		c.JSON(http.StatusOK, gin.H{"message": "Slot evicted", "role": role})
	}
}
