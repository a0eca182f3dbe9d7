package http

import (
	"context"
	"net/http"
	"sort"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/services"
	"rillcall/pkg/errors"

	"github.com/gin-gonic/gin"
)

// SessionLister is implemented by services.Coordinator.
type SessionLister interface {
	Sessions(ctx context.Context) ([]services.SessionInfo, error)
}

// SessionHandler serves a read-only view of the sessions of every local
// participant.
type SessionHandler struct {
	participants map[domain.ParticipantID]SessionLister
}

// NewSessionHandler creates a handler over the local coordinators.
func NewSessionHandler(participants map[domain.ParticipantID]SessionLister) *SessionHandler {
	return &SessionHandler{participants: participants}
}

func (h *SessionHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/participants")
	{
		api.GET("", h.ListParticipants)
		api.GET("/:id/sessions", h.ListSessions)
	}
}

func (h *SessionHandler) ListParticipants(c *gin.Context) {
	ids := make([]string, 0, len(h.participants))
	for id := range h.participants {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	c.JSON(http.StatusOK, gin.H{"participants": ids})
}

// ListSessions returns the sessions of one local participant.
func (h *SessionHandler) ListSessions(c *gin.Context) {
	id := domain.ParticipantID(c.Param("id"))
	lister, ok := h.participants[id]
	if !ok {
		c.Error(errors.NewNotFoundError("participant"))
		return
	}

	sessions, err := lister.Sessions(c.Request.Context())
	if err != nil {
		c.Error(errors.NewServiceUnavailableError(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"participant_id": id,
		"sessions":       sessions,
	})
}
