package http

import (
	"net/http"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/infrastructure/middleware"
	"rillcall/internal/infrastructure/monitoring"
	"rillcall/internal/infrastructure/signal"
	"rillcall/pkg/errors"
	"rillcall/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type RelayHandler struct {
	relay     *signal.RelayServer
	health    *monitoring.HealthChecker
	startedAt time.Time
	logger    *zap.SugaredLogger
}

// NewRelayHandler creates the HTTP surface of a relay.
func NewRelayHandler(relay *signal.RelayServer, health *monitoring.HealthChecker, logger *zap.SugaredLogger) *RelayHandler {
	return &RelayHandler{
		relay:     relay,
		health:    health,
		startedAt: time.Now(),
		logger:    logger,
	}
}

// SetupRoutes registers the websocket endpoint behind admission, which must
// set the participant (see middleware.AuthMiddleware), plus health and
// inspection routes.
func (h *RelayHandler) SetupRoutes(router *gin.Engine, admission ...gin.HandlerFunc) {
	ws := append(append([]gin.HandlerFunc{}, admission...), h.Connect)
	router.GET("/ws", ws...)

	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)

	api := router.Group("/api/v1/relay")
	{
		api.GET("/stats", h.Stats)
		api.GET("/participants/:id", h.Participant)
	}
}

// Connect upgrades the request to the relay websocket.
func (h *RelayHandler) Connect(c *gin.Context) {
	participant, ok := middleware.ParticipantFromContext(c)
	if !ok {
		c.Error(errors.NewUnauthorizedError("participant identity required"))
		return
	}
	if !h.relay.OriginAllowed(c.Request) {
		c.Error(errors.NewForbiddenError("origin not allowed").WithContext("origin", c.GetHeader("Origin")))
		return
	}
	h.logger.Debugw("participant connecting", "participant_id", participant, "remote_addr", c.ClientIP())
	h.relay.HandleWebSocket(c.Writer, c.Request, participant)
}

// Health reports the cached result of the background checks.
func (h *RelayHandler) Health(c *gin.Context) {
	status := h.health.LastStatus()
	code := http.StatusOK
	if status.Status == monitoring.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status.Status,
		"checks": status.Checks,
		"uptime": time.Since(h.startedAt).String(),
		"relay":  h.relay.Stats(),
	})
}

// Ready runs every check synchronously.
func (h *RelayHandler) Ready(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	if status.Status != monitoring.StatusHealthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not_ready",
			"checks": status.Checks,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"checks": status.Checks,
	})
}

// Stats reports relay counters.
func (h *RelayHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"stats":        h.relay.Stats(),
		"participants": h.relay.ConnectedParticipants(),
	})
}

// Participant reports whether one participant is connected.
func (h *RelayHandler) Participant(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateParticipantID(id); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()).WithContext("parameter", "id"))
		return
	}
	participant := domain.ParticipantID(id)
	c.JSON(http.StatusOK, gin.H{
		"participant_id": participant,
		"connected":      h.relay.IsConnected(participant),
		"pending":        h.relay.Pending(participant),
	})
}

// RegisterMetrics exposes gatherer on /metrics.
func RegisterMetrics(router *gin.Engine, gatherer prometheus.Gatherer) {
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}
