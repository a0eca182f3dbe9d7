package http

import (
	"net/http"
	"strings"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/services"
	"rillcall/pkg/errors"
	"rillcall/pkg/validation"

	"github.com/gin-gonic/gin"
)

// TokenHandler issues relay tokens. It is meant for development setups where
// no external identity provider mints them.
type TokenHandler struct {
	authService services.AuthService
}

// NewTokenHandler creates a handler issuing relay tokens.
func NewTokenHandler(authService services.AuthService) *TokenHandler {
	return &TokenHandler{
		authService: authService,
	}
}

func (h *TokenHandler) SetupRoutes(router *gin.Engine) {
	router.POST("/api/v1/tokens", h.IssueToken)
}

type IssueTokenRequest struct {
	ParticipantID string `json:"participant_id" binding:"required,max=128"`
}

// IssueToken signs a relay token for the requested participant.
func (h *TokenHandler) IssueToken(c *gin.Context) {
	var req IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.ParticipantID = strings.TrimSpace(req.ParticipantID)
	if err := validation.ValidateParticipantID(req.ParticipantID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	token, err := h.authService.GenerateToken(domain.ParticipantID(req.ParticipantID))
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"participant_id": req.ParticipantID,
		"token":          token,
		"expires_in":     int(h.authService.TokenTTL().Seconds()),
	})
}
