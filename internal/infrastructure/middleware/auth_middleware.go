package middleware

import (
	"strings"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/services"
	apperrors "rillcall/pkg/errors"
	"rillcall/pkg/validation"

	"github.com/gin-gonic/gin"
)

// ParticipantKey is the gin context key holding the authenticated
// domain.ParticipantID.
const ParticipantKey = "participant_id"

// AuthMiddleware accepts a bearer token in the Authorization header or, for
// browser websocket clients that cannot set headers, in the token query
// parameter.
func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c)
		if err != nil {
			abortWithAppError(c, err)
			return
		}

		claims, verr := authService.ValidateToken(token)
		if verr != nil {
			abortWithAppError(c, apperrors.NewUnauthorizedError(verr.Error()))
			return
		}

		c.Set(ParticipantKey, claims.ParticipantID)
		c.Next()
	}
}

// IdentityMiddleware trusts the participant_id query parameter. It is meant
// for development relays running without auth.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Query("participant_id")
		if err := validation.ValidateParticipantID(id); err != nil {
			abortWithAppError(c, apperrors.NewInvalidInputError(err.Error()).WithContext("parameter", "participant_id"))
			return
		}
		c.Set(ParticipantKey, domain.ParticipantID(id))
		c.Next()
	}
}

// ParticipantFromContext returns the participant set by AuthMiddleware or
// IdentityMiddleware.
func ParticipantFromContext(c *gin.Context) (domain.ParticipantID, bool) {
	v, ok := c.Get(ParticipantKey)
	if !ok {
		return "", false
	}
	id, ok := v.(domain.ParticipantID)
	return id, ok && id != ""
}

func bearerToken(c *gin.Context) (string, *apperrors.AppError) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			return "", apperrors.NewUnauthorizedError("invalid authorization header format")
		}
		return parts[1], nil
	}
	if token := c.Query("token"); token != "" {
		return token, nil
	}
	return "", apperrors.NewUnauthorizedError("authorization token required")
}
