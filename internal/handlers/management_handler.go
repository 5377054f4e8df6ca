package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"dev.helix.bus/internal/broker"
)

// CreateQueueRequest creates a queue. Properties are optional; unset fields
// take the broker defaults.
type CreateQueueRequest struct {
	Name       string                  `json:"name" binding:"required"`
	Properties *broker.QueueProperties `json:"properties,omitempty"`
}

// CreateTopicRequest creates a topic.
type CreateTopicRequest struct {
	Name       string                  `json:"name" binding:"required"`
	Properties *broker.TopicProperties `json:"properties,omitempty"`
}

// CreateSubscriptionRequest creates a subscription under a topic.
type CreateSubscriptionRequest struct {
	Name       string                         `json:"name" binding:"required"`
	Properties *broker.SubscriptionProperties `json:"properties,omitempty"`
}

// RuleRequest creates or replaces a rule's filter.
type RuleRequest struct {
	Name   string        `json:"name"`
	Filter broker.Filter `json:"filter"`
}

// ManagementHandler serves entity and rule CRUD.
type ManagementHandler struct {
	broker *broker.Broker
	logger *logrus.Logger
}

// NewManagementHandler creates a management handler.
func NewManagementHandler(b *broker.Broker, logger *logrus.Logger) *ManagementHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ManagementHandler{broker: b, logger: logger}
}

// RegisterRoutes mounts the management API.
func (h *ManagementHandler) RegisterRoutes(r gin.IRouter) {
	r.POST("/queues", h.createQueue)
	r.GET("/queues", h.listQueues)
	r.GET("/queues/:queue", h.getQueue)
	r.PUT("/queues/:queue", h.updateQueue)
	r.DELETE("/queues/:queue", h.deleteQueue)

	r.POST("/topics", h.createTopic)
	r.GET("/topics", h.listTopics)
	r.GET("/topics/:topic", h.getTopic)
	r.PUT("/topics/:topic", h.updateTopic)
	r.DELETE("/topics/:topic", h.deleteTopic)

	r.POST("/topics/:topic/subscriptions", h.createSubscription)
	r.GET("/topics/:topic/subscriptions", h.listSubscriptions)
	r.GET("/topics/:topic/subscriptions/:subscription", h.getSubscription)
	r.PUT("/topics/:topic/subscriptions/:subscription", h.updateSubscription)
	r.DELETE("/topics/:topic/subscriptions/:subscription", h.deleteSubscription)

	r.POST("/topics/:topic/subscriptions/:subscription/rules", h.addRule)
	r.GET("/topics/:topic/subscriptions/:subscription/rules", h.listRules)
	r.PUT("/topics/:topic/subscriptions/:subscription/rules/:rule", h.updateRule)
	r.DELETE("/topics/:topic/subscriptions/:subscription/rules/:rule", h.deleteRule)
}

func (h *ManagementHandler) createQueue(c *gin.Context) {
	var req CreateQueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	desc, err := h.broker.CreateQueue(c.Request.Context(), req.Name, req.Properties)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, desc)
}

func (h *ManagementHandler) listQueues(c *gin.Context) {
	skip, top := paging(c)
	descs, err := h.broker.ListQueues(c.Request.Context(), skip, top)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queues": descs})
}

func (h *ManagementHandler) getQueue(c *gin.Context) {
	desc, err := h.broker.GetQueue(c.Request.Context(), c.Param("queue"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, desc)
}

func (h *ManagementHandler) updateQueue(c *gin.Context) {
	var props broker.QueueProperties
	if err := c.ShouldBindJSON(&props); err != nil {
		badRequest(c, err)
		return
	}
	desc, err := h.broker.UpdateQueue(c.Request.Context(), c.Param("queue"), props)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, desc)
}

func (h *ManagementHandler) deleteQueue(c *gin.Context) {
	if err := h.broker.DeleteQueue(c.Request.Context(), c.Param("queue")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ManagementHandler) createTopic(c *gin.Context) {
	var req CreateTopicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	desc, err := h.broker.CreateTopic(c.Request.Context(), req.Name, req.Properties)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, desc)
}

func (h *ManagementHandler) listTopics(c *gin.Context) {
	skip, top := paging(c)
	descs, err := h.broker.ListTopics(c.Request.Context(), skip, top)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"topics": descs})
}

func (h *ManagementHandler) getTopic(c *gin.Context) {
	desc, err := h.broker.GetTopic(c.Request.Context(), c.Param("topic"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, desc)
}

func (h *ManagementHandler) updateTopic(c *gin.Context) {
	var props broker.TopicProperties
	if err := c.ShouldBindJSON(&props); err != nil {
		badRequest(c, err)
		return
	}
	desc, err := h.broker.UpdateTopic(c.Request.Context(), c.Param("topic"), props)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, desc)
}

func (h *ManagementHandler) deleteTopic(c *gin.Context) {
	if err := h.broker.DeleteTopic(c.Request.Context(), c.Param("topic")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ManagementHandler) createSubscription(c *gin.Context) {
	var req CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	desc, err := h.broker.CreateSubscription(c.Request.Context(), c.Param("topic"), req.Name, req.Properties)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, desc)
}

func (h *ManagementHandler) listSubscriptions(c *gin.Context) {
	skip, top := paging(c)
	descs, err := h.broker.ListSubscriptions(c.Request.Context(), c.Param("topic"), skip, top)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": descs})
}

func (h *ManagementHandler) getSubscription(c *gin.Context) {
	desc, err := h.broker.GetSubscription(c.Request.Context(), c.Param("topic"), c.Param("subscription"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, desc)
}

func (h *ManagementHandler) updateSubscription(c *gin.Context) {
	var props broker.SubscriptionProperties
	if err := c.ShouldBindJSON(&props); err != nil {
		badRequest(c, err)
		return
	}
	desc, err := h.broker.UpdateSubscription(c.Request.Context(), c.Param("topic"), c.Param("subscription"), props)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, desc)
}

func (h *ManagementHandler) deleteSubscription(c *gin.Context) {
	if err := h.broker.DeleteSubscription(c.Request.Context(), c.Param("topic"), c.Param("subscription")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ManagementHandler) addRule(c *gin.Context) {
	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	rule, err := h.broker.AddRule(c.Request.Context(), c.Param("topic"), c.Param("subscription"), req.Name, req.Filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (h *ManagementHandler) listRules(c *gin.Context) {
	rules, err := h.broker.ListRules(c.Request.Context(), c.Param("topic"), c.Param("subscription"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

func (h *ManagementHandler) updateRule(c *gin.Context) {
	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	rule, err := h.broker.UpdateRule(c.Request.Context(), c.Param("topic"), c.Param("subscription"), c.Param("rule"), req.Filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *ManagementHandler) deleteRule(c *gin.Context) {
	if err := h.broker.DeleteRule(c.Request.Context(), c.Param("topic"), c.Param("subscription"), c.Param("rule")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// paging reads skip/top query parameters; top defaults to 100.
func paging(c *gin.Context) (skip, top int) {
	skip, _ = strconv.Atoi(c.DefaultQuery("skip", "0"))
	top, _ = strconv.Atoi(c.DefaultQuery("top", "100"))
	return skip, top
}
