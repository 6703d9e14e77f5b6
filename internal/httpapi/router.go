// Package httpapi is the REST surface that accompanies the realtime
// channels: chat history replay and read receipts for the appointment
// conversations, and the snapshot/recent-events endpoints an admin dashboard
// uses to resynchronize after reconnecting. Everything here requires a valid
// bearer token; the admin endpoints additionally require the admin role.
package httpapi

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/medibook/realtime-app/internal/admin"
	"github.com/medibook/realtime-app/internal/auth"
	"github.com/medibook/realtime-app/internal/chat"
	"github.com/medibook/realtime-app/internal/protocol"
)

// identityKey is the gin context key the auth middleware stores the verified
// caller under.
const identityKey = "identity"

// ChatStore is the chat persistence surface the REST layer needs. Satisfied
// by chat.MongoStore.
type ChatStore interface {
	History(ctx context.Context, appointmentID string) ([]chat.Message, error)
	MarkRead(ctx context.Context, appointmentID string, readerID string) (int64, error)
}

// CountsSource produces a fresh dashboard snapshot. Satisfied by stats.Store.
type CountsSource interface {
	Snapshot(ctx context.Context) (protocol.DashboardCounts, error)
}

// RecentSource exposes the retained admin emit history. Satisfied by
// admin.Notifier.
type RecentSource interface {
	Recent() []admin.RecentEvent
}

// Router builds the REST handler. counts and recent may be nil, in which case
// the corresponding admin endpoints report 503.
func Router(verifier *auth.Verifier, store ChatStore, counts CountsSource, recent RecentSource) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	api.Use(authRequired(verifier))
	{
		api.GET("/appointments/:id/messages", historyHandler(store))
		api.POST("/appointments/:id/read", markReadHandler(store))

		adminAPI := api.Group("/admin")
		adminAPI.Use(adminRequired())
		{
			adminAPI.GET("/snapshot", snapshotHandler(counts))
			adminAPI.GET("/events/recent", recentHandler(recent))
		}
	}

	return r
}

// authRequired validates the bearer token and stores the caller's identity in
// the request context. Any valid clinic role passes.
func authRequired(verifier *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}

		id, err := verifier.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(identityKey, id)
		c.Next()
	}
}

// adminRequired rejects callers whose verified identity is not an admin.
func adminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := c.MustGet(identityKey).(*auth.Identity)
		if !ok || id.Role != auth.RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin role required"})
			return
		}
		c.Next()
	}
}

// historyHandler returns the full message sequence for an appointment,
// oldest first. An appointment with no messages yields an empty array, not
// an error.
func historyHandler(store ChatStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		appointmentID := c.Param("id")

		messages, err := store.History(c.Request.Context(), appointmentID)
		if err != nil {
			log.Printf("httpapi: history failed appointment=%s: %v", appointmentID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"messages": messages})
	}
}

// markReadHandler flips is_read on every message in the appointment that was
// sent to the reader. Idempotent: a second call modifies nothing.
func markReadHandler(store ChatStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		appointmentID := c.Param("id")

		var body struct {
			ReaderID string `json:"readerId"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.ReaderID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "readerId is required"})
			return
		}

		modified, err := store.MarkRead(c.Request.Context(), appointmentID, body.ReaderID)
		if err != nil {
			log.Printf("httpapi: mark read failed appointment=%s: %v", appointmentID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update messages"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"modified": modified})
	}
}

// snapshotHandler returns fresh dashboard counters. This is the resync path
// for dashboards that were offline while events were broadcast.
func snapshotHandler(counts CountsSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		if counts == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "snapshot source not configured"})
			return
		}

		snapshot, err := counts.Snapshot(c.Request.Context())
		if err != nil {
			log.Printf("httpapi: snapshot failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute snapshot"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"counts": snapshot})
	}
}

// recentHandler returns the retained admin emit history for ops inspection.
func recentHandler(recent RecentSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		if recent == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event log not configured"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"events": recent.Recent()})
	}
}
