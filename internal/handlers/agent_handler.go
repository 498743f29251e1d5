package handlers

import (
	"net/http"
	"strconv"

	"carrymate/internal/metrics"
	"carrymate/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AgentHandler 客服控制台处理器
type AgentHandler struct {
	registry *services.RegistryService
	queue    *services.QueueService
	presence *services.PresenceService
	logger   *logrus.Logger
}

// NewAgentHandler 创建客服控制台处理器
func NewAgentHandler(registry *services.RegistryService, queue *services.QueueService, presence *services.PresenceService, logger *logrus.Logger) *AgentHandler {
	return &AgentHandler{
		registry: registry,
		queue:    queue,
		presence: presence,
		logger:   logger,
	}
}

// ListQueue 查看完整排队
// @Summary 查看排队
// @Description 按优先级与入队时间排好序的完整队列，附名次与预计等待
// @Tags 客服
// @Produce json
// @Success 200 {array} services.QueuePosition
// @Router /api/agent/queue [get]
func (h *AgentHandler) ListQueue(c *gin.Context) {
	positions, err := h.queue.List(c.Request.Context())
	if err != nil {
		chatError(c, h.logger, "list queue", err)
		return
	}
	c.JSON(http.StatusOK, positions)
}

// AcceptEntry 接受一条排队记录
// @Summary 接受排队会话
// @Description 先到先得；已被他人接走返回 409，超过并发上限返回 409
// @Tags 客服
// @Produce json
// @Param entry_id path int true "排队记录ID"
// @Success 200 {object} models.ChatSession
// @Failure 409 {object} ErrorResponse
// @Router /api/agent/queue/{entry_id}/accept [post]
func (h *AgentHandler) AcceptEntry(c *gin.Context) {
	userID, name, _, ok := identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "Unauthorized",
			Message: "missing user identity",
		})
		return
	}

	entryID, err := strconv.ParseUint(c.Param("entry_id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid entry ID",
			Message: "ID must be a valid number",
		})
		return
	}

	session, err := h.registry.Assign(c.Request.Context(), uint(entryID), userID, name)
	if err != nil {
		chatError(c, h.logger, "accept queue entry", err)
		return
	}

	metrics.IncSessionAssigned()
	c.JSON(http.StatusOK, session)
}

// ListSessions 客服自己的活跃会话
// @Summary 客服活跃会话列表
// @Tags 客服
// @Produce json
// @Success 200 {array} models.ChatSession
// @Router /api/agent/sessions [get]
func (h *AgentHandler) ListSessions(c *gin.Context) {
	userID, _, _, ok := identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "Unauthorized",
			Message: "missing user identity",
		})
		return
	}

	sessions, err := h.registry.ListForAgent(c.Request.Context(), userID)
	if err != nil {
		chatError(c, h.logger, "list sessions", err)
		return
	}
	c.JSON(http.StatusOK, sessions)
}

// transferRequest 转接请求体
type transferRequest struct {
	NewAgentID   uint   `json:"new_agent_id" binding:"required"`
	NewAgentName string `json:"new_agent_name" binding:"required"`
}

// TransferSession 转接会话给另一名客服
// @Summary 转接会话
// @Tags 客服
// @Accept json
// @Produce json
// @Param id path string true "会话ID"
// @Param transfer body transferRequest true "目标客服"
// @Success 200 {object} models.ChatSession
// @Failure 409 {object} ErrorResponse
// @Router /api/agent/sessions/{id}/transfer [post]
func (h *AgentHandler) TransferSession(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	session, err := h.registry.Transfer(c.Request.Context(), c.Param("id"), req.NewAgentID, req.NewAgentName)
	if err != nil {
		chatError(c, h.logger, "transfer session", err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// heartbeatRequest 心跳请求体
type heartbeatRequest struct {
	Status string `json:"status"`
}

// Heartbeat 客服在线心跳
// @Summary 在线心跳
// @Description 写入带 TTL 的在线状态；停止心跳后自动离线
// @Tags 客服
// @Accept json
// @Produce json
// @Success 200 {object} SuccessResponse
// @Router /api/agent/presence [post]
func (h *AgentHandler) Heartbeat(c *gin.Context) {
	userID, _, _, ok := identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "Unauthorized",
			Message: "missing user identity",
		})
		return
	}

	var req heartbeatRequest
	_ = c.ShouldBindJSON(&req)

	sessions, err := h.registry.ListForAgent(c.Request.Context(), userID)
	if err != nil {
		chatError(c, h.logger, "list sessions", err)
		return
	}

	if err := h.presence.Heartbeat(c.Request.Context(), userID, req.Status, len(sessions)); err != nil {
		h.logger.Errorf("Failed to record heartbeat: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to record heartbeat",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "heartbeat recorded"})
}

// GetPresence 查询某客服的在线状态
// @Summary 查询客服在线状态
// @Tags 客服
// @Produce json
// @Param agent_id path int true "客服ID"
// @Success 200 {object} services.AgentPresence
// @Router /api/agent/presence/{agent_id} [get]
func (h *AgentHandler) GetPresence(c *gin.Context) {
	agentID, err := strconv.ParseUint(c.Param("agent_id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid agent ID",
			Message: "ID must be a valid number",
		})
		return
	}

	record, err := h.presence.Get(c.Request.Context(), uint(agentID))
	if err != nil {
		h.logger.Errorf("Failed to get presence: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to get presence",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, record)
}

// Offline 主动下线
// @Summary 主动下线
// @Tags 客服
// @Produce json
// @Success 200 {object} SuccessResponse
// @Router /api/agent/presence [delete]
func (h *AgentHandler) Offline(c *gin.Context) {
	userID, _, _, ok := identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "Unauthorized",
			Message: "missing user identity",
		})
		return
	}

	if err := h.presence.Offline(c.Request.Context(), userID); err != nil {
		h.logger.Errorf("Failed to go offline: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to go offline",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "offline"})
}

// RegisterAgentRoutes 注册客服控制台路由
func RegisterAgentRoutes(r *gin.RouterGroup, handler *AgentHandler) {
	agent := r.Group("/agent")
	{
		agent.GET("/queue", handler.ListQueue)
		agent.POST("/queue/:entry_id/accept", handler.AcceptEntry)
		agent.GET("/sessions", handler.ListSessions)
		agent.POST("/sessions/:id/transfer", handler.TransferSession)
		agent.POST("/presence", handler.Heartbeat)
		agent.DELETE("/presence", handler.Offline)
		agent.GET("/presence/:agent_id", handler.GetPresence)
	}
}
