package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"dev.helix.bus/internal/broker"
)

// ReceiveRequest asks for up to MaxMessages in the given mode.
type ReceiveRequest struct {
	// Mode is "peek-lock" (default) or "receive-and-delete".
	Mode        string `json:"mode,omitempty"`
	MaxMessages int    `json:"max_messages,omitempty"`
}

// SettleRequest settles a leased message. The lock token comes from the
// receive that delivered the message.
type SettleRequest struct {
	LockToken string `json:"lock_token" binding:"required"`
	// Reason and Description apply to dead-letter settlement only.
	Reason      string `json:"reason,omitempty"`
	Description string `json:"description,omitempty"`
}

// RenewLockResponse carries the extended lease deadline.
type RenewLockResponse struct {
	MessageID   string    `json:"message_id"`
	LockedUntil time.Time `json:"locked_until"`
}

// MessageHandler serves the data-plane API: send, publish, receive,
// settlement, peek and dead-letter listing.
type MessageHandler struct {
	broker *broker.Broker
	logger *logrus.Logger
}

// NewMessageHandler creates a message handler.
func NewMessageHandler(b *broker.Broker, logger *logrus.Logger) *MessageHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &MessageHandler{broker: b, logger: logger}
}

// RegisterRoutes mounts the data-plane API. Queue and subscription endpoints
// share the settlement handlers through an entity ref resolved per route.
func (h *MessageHandler) RegisterRoutes(r gin.IRouter) {
	r.POST("/queues/:queue/messages", h.send)
	r.POST("/topics/:topic/messages", h.publish)

	queues := r.Group("/queues/:queue")
	h.registerEntityRoutes(queues, func(c *gin.Context) broker.EntityRef {
		return broker.QueueRef(c.Param("queue"))
	})

	subs := r.Group("/topics/:topic/subscriptions/:subscription")
	h.registerEntityRoutes(subs, func(c *gin.Context) broker.EntityRef {
		return broker.SubscriptionRef(c.Param("topic"), c.Param("subscription"))
	})
}

func (h *MessageHandler) registerEntityRoutes(g *gin.RouterGroup, ref func(*gin.Context) broker.EntityRef) {
	g.POST("/messages/receive", func(c *gin.Context) { h.receive(c, ref(c)) })
	g.GET("/messages/peek", func(c *gin.Context) { h.peek(c, ref(c)) })
	g.POST("/messages/:id/complete", func(c *gin.Context) { h.settle(c, ref(c), "complete") })
	g.POST("/messages/:id/abandon", func(c *gin.Context) { h.settle(c, ref(c), "abandon") })
	g.POST("/messages/:id/dead-letter", func(c *gin.Context) { h.settle(c, ref(c), "dead-letter") })
	g.POST("/messages/:id/renew-lock", func(c *gin.Context) { h.renewLock(c, ref(c)) })
	g.GET("/dead-letters", func(c *gin.Context) { h.listDeadLetters(c, ref(c)) })
}

func (h *MessageHandler) send(c *gin.Context) {
	var req broker.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	m, err := h.broker.Send(c.Request.Context(), c.Param("queue"), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (h *MessageHandler) publish(c *gin.Context) {
	var req broker.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	m, err := h.broker.Publish(c.Request.Context(), c.Param("topic"), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (h *MessageHandler) receive(c *gin.Context, ref broker.EntityRef) {
	req := ReceiveRequest{Mode: string(broker.ReceiveModePeekLock), MaxMessages: 1}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	if req.Mode == "" {
		req.Mode = string(broker.ReceiveModePeekLock)
	}
	msgs, err := h.broker.Receive(c.Request.Context(), ref, broker.ReceiveMode(req.Mode), req.MaxMessages)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *MessageHandler) peek(c *gin.Context, ref broker.EntityRef) {
	from, _ := strconv.ParseInt(c.DefaultQuery("from_sequence", "0"), 10, 64)
	max, _ := strconv.Atoi(c.DefaultQuery("max", "1"))
	msgs, err := h.broker.Peek(c.Request.Context(), ref, from, max)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *MessageHandler) settle(c *gin.Context, ref broker.EntityRef, op string) {
	var req SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id := c.Param("id")

	var err error
	switch op {
	case "complete":
		err = h.broker.Complete(c.Request.Context(), ref, id, req.LockToken)
	case "abandon":
		err = h.broker.Abandon(c.Request.Context(), ref, id, req.LockToken)
	case "dead-letter":
		err = h.broker.DeadLetter(c.Request.Context(), ref, id, req.LockToken, req.Reason, req.Description)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *MessageHandler) renewLock(c *gin.Context, ref broker.EntityRef) {
	var req SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id := c.Param("id")
	deadline, err := h.broker.RenewLock(c.Request.Context(), ref, id, req.LockToken)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, RenewLockResponse{MessageID: id, LockedUntil: deadline})
}

func (h *MessageHandler) listDeadLetters(c *gin.Context, ref broker.EntityRef) {
	skip, top := paging(c)
	msgs, err := h.broker.ListDeadLetter(c.Request.Context(), ref, skip, top)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}
