package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	apperrors "rillcall/pkg/errors"
	"rillcall/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func errorRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	log := logger.NewContextLogger(zap.NewNop())
	router := gin.New()
	router.Use(RequestContextMiddleware(), RecoveryMiddleware(log), ErrorHandlerMiddleware(log))
	router.GET("/app", func(c *gin.Context) {
		c.Error(apperrors.NewNotFoundError("participant").WithContext("participant_id", "zoe"))
	})
	router.GET("/plain", func(c *gin.Context) {
		c.Error(errors.New("disk on fire"))
	})
	router.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})
	return router
}

func TestErrorHandlerMiddleware(t *testing.T) {
	router := errorRouter()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/app", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, "NOT_FOUND", body["error"])
	assert.Equal(t, "participant not found", body["message"])
	assert.Equal(t, map[string]interface{}{"participant_id": "zoe"}, body["details"])

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/plain", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", decodeError(t, w)["error"])
	assert.NotContains(t, w.Body.String(), "disk on fire")
}

func TestRecoveryMiddleware(t *testing.T) {
	w := httptest.NewRecorder()
	errorRouter().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", decodeError(t, w)["error"])
}

func TestRequestContextMiddleware(t *testing.T) {
	router := errorRouter()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/app", nil))
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/app", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	router.ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get(RequestIDHeader))
}
