package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestLogMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.InfoLevel)

	router := gin.New()
	router.Use(RequestLogMiddleware(zap.New(core)))
	router.GET("/ws", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	router.GET("/boom", func(c *gin.Context) { c.Status(http.StatusBadGateway) })

	w := serve(router, httptest.NewRequest(http.MethodGet, "/ws?sessionId=call-1&peerId=alice", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set(RequestIDHeader, "req_fixed")
	w = serve(router, req)
	assert.Equal(t, "req_fixed", w.Header().Get(RequestIDHeader))

	entries := logs.All()
	require.Len(t, entries, 2)

	first := entries[0].ContextMap()
	assert.Equal(t, "call-1", first["session_id"])
	assert.Equal(t, "alice", first["peer_id"])
	assert.Equal(t, "/ws", first["path"])
	assert.Equal(t, int64(http.StatusNoContent), first["status_code"])

	assert.Equal(t, zap.ErrorLevel, entries[1].Level)
	assert.Equal(t, "req_fixed", entries[1].ContextMap()["request_id"])
}
