// Package httpapi serves the daemon's local HTTP surface: health, metrics, the
// merged message view, sending, and a websocket stream of bus events.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/live"
	"github.com/matheus3301/chatsync/internal/observability"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Deps collects the components the HTTP surface reads from and drives.
type Deps struct {
	Account string
	DB      *store.DB
	Bus     *bus.Bus
	Machine *status.Machine
	Live    *live.Engine
	Queue   *outbox.Queue
	Logger  *zap.Logger
}

// Handler holds the HTTP handlers.
type Handler struct {
	account string
	db      *store.DB
	bus     *bus.Bus
	machine *status.Machine
	live    *live.Engine
	queue   *outbox.Queue
	logger  *zap.Logger

	closing   chan struct{}
	closeOnce sync.Once
}

// New constructs a Handler.
func New(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		account: d.Account,
		db:      d.DB,
		bus:     d.Bus,
		machine: d.Machine,
		live:    d.Live,
		queue:   d.Queue,
		logger:  logger,
		closing: make(chan struct{}),
	}
}

// Router builds the gin engine with every route registered.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), observability.HTTPMetricsMiddleware())

	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.GET("/chats", h.ListChats)
	v1.GET("/chats/:chat_id/messages", h.GetChatMessages)
	v1.POST("/chats/:chat_id/messages", h.PostChatMessage)
	v1.GET("/queue", h.ListQueue)
	v1.POST("/messages/:message_id/retry", h.RetryMessage)
	v1.GET("/events", h.Events)
	return r
}

func (h *Handler) Health(c *gin.Context) {
	resp := gin.H{"status": "ok", "account": h.account}
	if h.machine != nil {
		snap := h.machine.Snapshot()
		resp["state"] = snap.State
		resp["state_since"] = snap.Since
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) ListChats(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)
	chats, err := h.db.ListChats(limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": api.ChatViews(chats)})
}

// GetChatMessages returns the merged view of cached and freshly received
// messages, oldest first.
func (h *Handler) GetChatMessages(c *gin.Context) {
	chatID := c.Param("chat_id")
	limit := queryInt(c, "limit", 50)

	var (
		msgs []store.Message
		err  error
	)
	if h.live != nil {
		msgs, err = h.live.MergedMessages(chatID, limit)
	} else {
		msgs, err = h.db.ListMessages(chatID, limit)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": api.MessageViews(msgs)})
}

func (h *Handler) PostChatMessage(c *gin.Context) {
	var req struct {
		Text     string `json:"text"`
		MediaURL string `json:"media_url"`
		ReplyTo  string `json:"reply_to"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	m, err := h.queue.Send(c.Request.Context(), outbox.Draft{
		ChatID:   c.Param("chat_id"),
		Text:     req.Text,
		MediaURL: req.MediaURL,
		ReplyTo:  req.ReplyTo,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	code := http.StatusCreated
	if m.Status == store.StatusFailed {
		code = http.StatusAccepted
	}
	c.JSON(code, gin.H{"message": api.MessageViews([]store.Message{m})[0]})
}

func (h *Handler) ListQueue(c *gin.Context) {
	msgs, err := h.queue.GetQueuedMessages()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": api.MessageViews(msgs)})
}

func (h *Handler) RetryMessage(c *gin.Context) {
	m, err := h.queue.ManualRetry(c.Request.Context(), c.Param("message_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": api.MessageViews([]store.Message{m})[0]})
}

// Close ends every open event stream.
func (h *Handler) Close() {
	h.closeOnce.Do(func() { close(h.closing) })
}

func writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case remote.IsPermission(err):
		code = http.StatusForbidden
	case errors.Is(err, store.ErrMessageNotFound), errors.Is(err, remote.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, outbox.ErrEmptyDraft):
		code = http.StatusBadRequest
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func queryInt(c *gin.Context, key string, fallback int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
