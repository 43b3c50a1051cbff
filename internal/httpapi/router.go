// Package httpapi exposes the client and a chat history store over HTTP.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"easyaikit/internal/client"
	"easyaikit/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

// NewRouter builds the HTTP API. store may be nil, in which case the
// session endpoints answer 404.
func NewRouter(ai *client.AI, store storage.Store, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(requestID(), accessLog(logger), gin.Recovery())

	r.NoRoute(func(c *gin.Context) {
		fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := NewHandler(ai, store, logger)

	r.GET("/ping", h.Ping)

	r.POST("/ask", h.Ask)
	r.POST("/ask/stream", h.AskStream)
	r.POST("/ask/json", h.AskJSON)
	r.POST("/think", h.Think)
	r.POST("/think/stream", h.ThinkStream)

	r.GET("/sessions", h.ListSessions)
	r.GET("/sessions/:session_id/messages", h.ListSessionMessages)
	r.DELETE("/sessions/:session_id", h.DeleteSession)
	return r
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDHeader, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func accessLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", c.GetString(requestIDHeader),
		)
	}
}
