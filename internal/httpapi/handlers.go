package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"easyaikit/internal/backend"
	"easyaikit/internal/client"
	"easyaikit/internal/session"
	"easyaikit/internal/storage"

	"github.com/gin-gonic/gin"
)

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "ok",
		"data":    data,
	})
}

func fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}

type Handler struct {
	AI     *client.AI
	Store  storage.Store
	Logger *slog.Logger
}

func NewHandler(ai *client.AI, store storage.Store, logger *slog.Logger) *Handler {
	return &Handler{AI: ai, Store: store, Logger: logger}
}

type askReq struct {
	Prompt      string   `json:"prompt" binding:"required"`
	System      *string  `json:"system"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature"`
	MaxTokens   *int     `json:"max_tokens"`
	TopP        *float64 `json:"top_p"`
}

// messages prepends the request's system message, or the client's default
func (r askReq) messages(defaultSystem string) []session.Message {
	system := defaultSystem
	if r.System != nil {
		system = *r.System
	}
	msgs := make([]session.Message, 0, 2)
	if system != "" {
		msgs = append(msgs, session.NewMessage(session.RoleSystem, system))
	}
	return append(msgs, session.NewMessage(session.RoleUser, r.Prompt))
}

func (r askReq) options() []backend.RequestOption {
	var opts []backend.RequestOption
	if r.Model != "" {
		opts = append(opts, backend.WithModel(r.Model))
	}
	if r.Temperature != nil {
		opts = append(opts, backend.WithTemperature(*r.Temperature))
	}
	if r.MaxTokens != nil {
		opts = append(opts, backend.WithMaxTokens(*r.MaxTokens))
	}
	if r.TopP != nil {
		opts = append(opts, backend.WithTopP(*r.TopP))
	}
	return opts
}

func (h *Handler) bind(c *gin.Context) (askReq, bool) {
	var req askReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return req, false
	}
	return req, true
}

// upstreamFailed maps a client error to a response
func (h *Handler) upstreamFailed(c *gin.Context, err error) {
	h.Logger.Error("completion failed", "path", c.FullPath(), "error", err)

	var apiErr *backend.APIError
	switch {
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests:
		fail(c, http.StatusTooManyRequests, 42901, "rate limited by model provider")
	case errors.As(err, &apiErr):
		fail(c, http.StatusBadGateway, 50201, apiErr.Error())
	case errors.Is(err, context.DeadlineExceeded):
		fail(c, http.StatusGatewayTimeout, 50401, "model request timed out")
	default:
		fail(c, http.StatusBadGateway, 50202, err.Error())
	}
}

func (h *Handler) Ping(c *gin.Context) {
	ok(c, gin.H{"model": h.AI.Model(), "think_model": h.AI.ThinkModel()})
}

func (h *Handler) Ask(c *gin.Context) {
	req, valid := h.bind(c)
	if !valid {
		return
	}
	reply, err := h.AI.Complete(c.Request.Context(), req.messages(h.AI.SystemMessage()), req.options()...)
	if err != nil {
		h.upstreamFailed(c, err)
		return
	}
	ok(c, gin.H{"reply": reply})
}

func (h *Handler) Think(c *gin.Context) {
	req, valid := h.bind(c)
	if !valid {
		return
	}
	reasoning, answer, err := h.AI.CompleteThink(c.Request.Context(), req.messages(h.AI.SystemMessage()), req.options()...)
	if err != nil {
		h.upstreamFailed(c, err)
		return
	}
	ok(c, gin.H{"reasoning": reasoning, "answer": answer})
}

func (h *Handler) AskJSON(c *gin.Context) {
	req, valid := h.bind(c)
	if !valid {
		return
	}
	result, _, err := h.AI.CompleteJSON(c.Request.Context(), req.messages(h.AI.SystemMessage()), req.options()...)
	if err != nil {
		h.upstreamFailed(c, err)
		return
	}
	ok(c, result)
}

// sseWriter writes named server-sent events
type sseWriter struct {
	c       *gin.Context
	flusher http.Flusher
}

func startSSE(c *gin.Context) (*sseWriter, bool) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		fmt.Fprintf(c.Writer, "event: error\ndata: flusher not supported\n\n")
		return nil, false
	}
	return &sseWriter{c: c, flusher: flusher}, true
}

func (w *sseWriter) send(event string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		fmt.Fprintf(w.c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
		w.flusher.Flush()
		return
	}
	if event != "" {
		fmt.Fprintf(w.c.Writer, "event: %s\n", event)
	}
	fmt.Fprintf(w.c.Writer, "data: %s\n\n", b)
	w.flusher.Flush()
}

func (w *sseWriter) finish(err error) {
	if err != nil {
		w.send("error", gin.H{"type": "error", "message": err.Error()})
		return
	}
	w.send("done", gin.H{"type": "done"})
}

func (h *Handler) AskStream(c *gin.Context) {
	req, valid := h.bind(c)
	if !valid {
		return
	}
	w, valid := startSSE(c)
	if !valid {
		return
	}

	chunks, errs := h.AI.CompleteStream(c.Request.Context(), req.messages(h.AI.SystemMessage()), req.options()...)
	for chunk := range chunks {
		w.send("chunk", gin.H{"type": "chunk", "delta": chunk})
	}
	w.finish(<-errs)
}

func (h *Handler) ThinkStream(c *gin.Context) {
	req, valid := h.bind(c)
	if !valid {
		return
	}
	w, valid := startSSE(c)
	if !valid {
		return
	}

	chunks, errs := h.AI.CompleteThinkStream(c.Request.Context(), req.messages(h.AI.SystemMessage()), req.options()...)
	for chunk := range chunks {
		if chunk.Reasoning != "" {
			w.send("reasoning", gin.H{"type": "reasoning", "delta": chunk.Reasoning})
			continue
		}
		w.send("answer", gin.H{"type": "answer", "delta": chunk.Answer})
	}
	w.finish(<-errs)
}

func (h *Handler) requireStore(c *gin.Context) bool {
	if h.Store == nil {
		fail(c, http.StatusNotFound, 40401, "no history store configured")
		return false
	}
	return true
}

func (h *Handler) ListSessions(c *gin.Context) {
	if !h.requireStore(c) {
		return
	}
	sessions, err := h.Store.ViewSessions(c.Request.Context())
	if err != nil {
		h.Logger.Error("failed to list sessions", "error", err)
		fail(c, http.StatusInternalServerError, 50001, "failed to list sessions")
		return
	}
	ok(c, gin.H{
		"current":  h.Store.SessionID(),
		"sessions": sessions,
	})
}

func (h *Handler) ListSessionMessages(c *gin.Context) {
	if !h.requireStore(c) {
		return
	}
	sessionID := c.Param("session_id")
	msgs, err := h.Store.ViewSessionMessages(c.Request.Context(), sessionID)
	if err != nil {
		h.Logger.Error("failed to list messages", "session_id", sessionID, "error", err)
		fail(c, http.StatusInternalServerError, 50002, "failed to list messages")
		return
	}
	if len(msgs) == 0 {
		fail(c, http.StatusNotFound, 40004, "session not found")
		return
	}
	ok(c, gin.H{
		"session_id": sessionID,
		"messages":   msgs,
	})
}

func (h *Handler) DeleteSession(c *gin.Context) {
	if !h.requireStore(c) {
		return
	}
	sessionID := c.Param("session_id")
	err := h.Store.DeleteSession(c.Request.Context(), sessionID)
	if errors.Is(err, storage.ErrSessionNotFound) {
		fail(c, http.StatusNotFound, 40004, "session not found")
		return
	}
	if err != nil {
		h.Logger.Error("failed to delete session", "session_id", sessionID, "error", err)
		fail(c, http.StatusInternalServerError, 50003, "failed to delete session")
		return
	}
	ok(c, gin.H{"session_id": sessionID, "current": h.Store.SessionID()})
}
