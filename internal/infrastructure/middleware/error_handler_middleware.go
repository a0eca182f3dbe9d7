package middleware

import (
	"net/http"
	"time"

	apperrors "rillcall/pkg/errors"
	"rillcall/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const RequestIDHeader = "X-Request-ID"

// RequestContextMiddleware tags every request with a request id, echoed in
// the response, and stores it in the request context for ContextLogger.
func RequestContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// AccessLogMiddleware logs one line per request with the request context
// fields attached.
func AccessLogMiddleware(log *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		ctx := c.Request.Context()
		if id, ok := ParticipantFromContext(c); ok {
			ctx = logger.WithParticipant(ctx, string(id))
		}
		log.LogRequest(ctx, c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start).Milliseconds())
	}
}

// ErrorHandlerMiddleware renders errors attached with c.Error. AppErrors keep
// their status and code; anything else becomes a 500.
func ErrorHandlerMiddleware(log *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		appErr := apperrors.GetAppError(err)
		if appErr == nil {
			log.LogError(c.Request.Context(), err, "unhandled error",
				zap.String("path", c.Request.URL.Path),
				zap.String("method", c.Request.Method),
			)
			appErr = apperrors.NewInternalError("Internal server error")
		} else {
			log.Sugar(c.Request.Context()).Warnw("application error",
				"code", appErr.Code,
				"message", appErr.Message,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
			)
		}
		c.JSON(appErr.HTTPStatus, errorBody(appErr))
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(log *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Sugar(c.Request.Context()).Errorw("panic recovered",
					"error", r,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				abortWithAppError(c, apperrors.NewInternalError("Internal server error"))
			}
		}()

		c.Next()
	}
}

func abortWithAppError(c *gin.Context, appErr *apperrors.AppError) {
	status := appErr.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	c.AbortWithStatusJSON(status, errorBody(appErr))
}

func errorBody(appErr *apperrors.AppError) gin.H {
	body := gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	}
	if len(appErr.Context) > 0 {
		body["details"] = appErr.Context
	}
	return body
}
