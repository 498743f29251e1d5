package handlers

import (
	"errors"
	"net/http"

	"carrymate/internal/metrics"
	"carrymate/internal/models"
	"carrymate/internal/realtime"
	"carrymate/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ChatHandler 顾客端聊天处理器
type ChatHandler struct {
	registry *services.RegistryService
	queue    *services.QueueService
	messages *services.MessageService
	hub      *realtime.Hub
	logger   *logrus.Logger
}

// NewChatHandler 创建聊天处理器
func NewChatHandler(registry *services.RegistryService, queue *services.QueueService, messages *services.MessageService, hub *realtime.Hub, logger *logrus.Logger) *ChatHandler {
	return &ChatHandler{
		registry: registry,
		queue:    queue,
		messages: messages,
		hub:      hub,
		logger:   logger,
	}
}

// identity 从鉴权中间件注入的声明中取出调用方身份
func identity(c *gin.Context) (uint, string, string, bool) {
	uid, ok := c.Get("user_id")
	userID, castOK := uid.(uint)
	if !ok || !castOK || userID == 0 {
		return 0, "", "", false
	}
	return userID, c.GetString("name"), c.GetString("email"), true
}

func callerRole(c *gin.Context) string {
	roles, _ := c.Get("roles")
	list, _ := roles.([]string)
	for _, r := range list {
		if r == models.RoleAgent || r == "admin" {
			return models.RoleAgent
		}
	}
	return models.RoleCustomer
}

func sideForRoleName(role string) string {
	if role == models.RoleAgent {
		return models.SideAgent
	}
	return models.SideCustomer
}

// chatError 把服务层哨兵错误映射到 HTTP 状态码
func chatError(c *gin.Context, logger *logrus.Logger, action string, err error) {
	switch {
	case errors.Is(err, services.ErrEmptyMessage),
		errors.Is(err, services.ErrMessageTooLong),
		errors.Is(err, services.ErrAttachmentTooLarge),
		errors.Is(err, services.ErrInvalidSide):
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request",
			Message: err.Error(),
		})
	case errors.Is(err, services.ErrSessionNotFound),
		errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Not found",
			Message: err.Error(),
		})
	case errors.Is(err, services.ErrSessionClosed),
		errors.Is(err, services.ErrAlreadyClaimed),
		errors.Is(err, services.ErrAgentAtCapacity),
		errors.Is(err, services.ErrNotAssignable):
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "Conflict",
			Message: err.Error(),
		})
	default:
		logger.Errorf("Failed to %s: %v", action, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to " + action,
			Message: err.Error(),
		})
	}
}

// requireSessionAccess 加载 :id 会话并执行归属校验：顾客只能操作自己的
// 会话，客服与管理员不受限。WebSocket 入口的归属检查与此一致。
func (h *ChatHandler) requireSessionAccess(c *gin.Context) (*models.ChatSession, bool) {
	userID, _, _, ok := identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "Unauthorized",
			Message: "missing user identity",
		})
		return nil, false
	}

	session, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		chatError(c, h.logger, "get session", err)
		return nil, false
	}
	if callerRole(c) == models.RoleCustomer && session.CustomerID != userID {
		c.JSON(http.StatusForbidden, ErrorResponse{
			Error:   "Forbidden",
			Message: "session belongs to another customer",
		})
		return nil, false
	}
	return session, true
}

// ResumeOrCreate 打开聊天：返回现有开放会话或新建 waiting 会话
// @Summary 打开聊天会话
// @Description 顾客打开聊天组件时调用；已有开放会话则恢复，否则创建并排队
// @Tags 聊天
// @Accept json
// @Produce json
// @Success 200 {object} models.ChatSession
// @Success 201 {object} models.ChatSession
// @Failure 401 {object} ErrorResponse
// @Router /api/chat/sessions [post]
func (h *ChatHandler) ResumeOrCreate(c *gin.Context) {
	userID, name, email, ok := identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "Unauthorized",
			Message: "missing user identity",
		})
		return
	}

	var body struct {
		Department string `json:"department"`
		Priority   string `json:"priority"`
	}
	// 请求体可为空，忽略解析错误之外的内容
	_ = c.ShouldBindJSON(&body)

	req := &services.ResumeOrCreateRequest{
		CustomerID:   userID,
		CustomerName: name,
		Email:        email,
		Department:   body.Department,
		Priority:     body.Priority,
	}
	session, created, err := h.registry.ResumeOrCreate(c.Request.Context(), req)
	if err != nil {
		chatError(c, h.logger, "open session", err)
		return
	}

	if created {
		metrics.IncSessionCreated()
		c.JSON(http.StatusCreated, session)
		return
	}
	c.JSON(http.StatusOK, session)
}

// GetSession 查询会话详情
// @Summary 查询会话详情
// @Tags 聊天
// @Produce json
// @Param id path string true "会话ID"
// @Success 200 {object} models.ChatSession
// @Failure 404 {object} ErrorResponse
// @Router /api/chat/sessions/{id} [get]
func (h *ChatHandler) GetSession(c *gin.Context) {
	session, ok := h.requireSessionAccess(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, session)
}

// GetQueuePosition 查询会话当前排队名次与预计等待
// @Summary 查询排队名次
// @Tags 聊天
// @Produce json
// @Param id path string true "会话ID"
// @Success 200 {object} services.QueuePosition
// @Failure 404 {object} ErrorResponse
// @Router /api/chat/sessions/{id}/queue [get]
func (h *ChatHandler) GetQueuePosition(c *gin.Context) {
	if _, ok := h.requireSessionAccess(c); !ok {
		return
	}
	position, err := h.queue.PositionOf(c.Request.Context(), c.Param("id"))
	if err != nil {
		chatError(c, h.logger, "get queue position", err)
		return
	}
	c.JSON(http.StatusOK, position)
}

// appendMessageRequest 追加消息请求体
type appendMessageRequest struct {
	Content     string                     `json:"content"`
	Attachments []services.AttachmentInput `json:"attachments"`
}

// AppendMessage 追加消息
// @Summary 追加消息
// @Description 向会话追加一条消息；空文本（无附件）、超长或附件过大将被拒绝
// @Tags 聊天
// @Accept json
// @Produce json
// @Param id path string true "会话ID"
// @Param message body appendMessageRequest true "消息内容"
// @Success 201 {object} models.Message
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/chat/sessions/{id}/messages [post]
func (h *ChatHandler) AppendMessage(c *gin.Context) {
	if _, ok := h.requireSessionAccess(c); !ok {
		return
	}
	userID, name, _, _ := identity(c)

	var req appendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	sender := services.Sender{ID: userID, Name: name, Role: callerRole(c)}
	message, err := h.messages.Append(c.Request.Context(), c.Param("id"), sender, req.Content, req.Attachments)
	if err != nil {
		chatError(c, h.logger, "append message", err)
		return
	}

	metrics.IncMessageAppended()
	c.JSON(http.StatusCreated, message)
}

// GetHistory 读取会话全部消息
// @Summary 读取消息历史
// @Tags 聊天
// @Produce json
// @Param id path string true "会话ID"
// @Success 200 {array} models.Message
// @Router /api/chat/sessions/{id}/messages [get]
func (h *ChatHandler) GetHistory(c *gin.Context) {
	if _, ok := h.requireSessionAccess(c); !ok {
		return
	}
	// 拉取历史即视为对侧消息已送达
	if side := sideForRoleName(callerRole(c)); side != "" {
		if err := h.messages.MarkDelivered(c.Request.Context(), c.Param("id"), side); err != nil {
			h.logger.WithError(err).Warn("Failed to mark messages delivered")
		}
	}
	messages, err := h.messages.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		chatError(c, h.logger, "load history", err)
		return
	}
	c.JSON(http.StatusOK, messages)
}

// SetTyping 设置输入中状态
// @Summary 设置输入中状态
// @Tags 聊天
// @Accept json
// @Produce json
// @Param id path string true "会话ID"
// @Success 200 {object} SuccessResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/chat/sessions/{id}/typing [post]
func (h *ChatHandler) SetTyping(c *gin.Context) {
	if _, ok := h.requireSessionAccess(c); !ok {
		return
	}
	var body struct {
		IsTyping bool `json:"is_typing"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	side := sideForRoleName(callerRole(c))
	if err := h.messages.SetTyping(c.Request.Context(), c.Param("id"), side, body.IsTyping); err != nil {
		chatError(c, h.logger, "set typing", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "typing state updated"})
}

// MarkRead 标记已读
// @Summary 标记已读
// @Description 清零调用方一侧的未读计数，并把对侧消息标记为已读
// @Tags 聊天
// @Produce json
// @Param id path string true "会话ID"
// @Success 200 {object} SuccessResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/chat/sessions/{id}/read [post]
func (h *ChatHandler) MarkRead(c *gin.Context) {
	if _, ok := h.requireSessionAccess(c); !ok {
		return
	}
	side := sideForRoleName(callerRole(c))
	if err := h.messages.MarkRead(c.Request.Context(), c.Param("id"), side); err != nil {
		chatError(c, h.logger, "mark read", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "marked as read"})
}

// CloseSession 关闭会话（幂等）
// @Summary 关闭会话
// @Description 任一侧都可以关闭；重复关闭返回当前会话而不报错
// @Tags 聊天
// @Produce json
// @Param id path string true "会话ID"
// @Success 200 {object} models.ChatSession
// @Failure 404 {object} ErrorResponse
// @Router /api/chat/sessions/{id}/close [post]
func (h *ChatHandler) CloseSession(c *gin.Context) {
	if _, ok := h.requireSessionAccess(c); !ok {
		return
	}
	closedBy := sideForRoleName(callerRole(c))
	session, err := h.registry.Close(c.Request.Context(), c.Param("id"), closedBy)
	if err != nil {
		chatError(c, h.logger, "close session", err)
		return
	}
	metrics.IncSessionClosed()
	c.JSON(http.StatusOK, session)
}

// HandleWebSocket 升级为 WebSocket 连接；顾客绑定自己的会话，客服可不绑定
// @Summary 建立 WebSocket 连接
// @Tags 聊天
// @Param session_id query string false "会话ID（顾客端必填）"
// @Router /api/chat/ws [get]
func (h *ChatHandler) HandleWebSocket(c *gin.Context) {
	userID, name, _, ok := identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "Unauthorized",
			Message: "missing user identity",
		})
		return
	}

	role := callerRole(c)
	sessionID := c.Query("session_id")
	if role == models.RoleCustomer {
		if sessionID == "" {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "Invalid request",
				Message: "session_id is required",
			})
			return
		}
		// 顾客只能连到自己的会话
		session, err := h.registry.Get(c.Request.Context(), sessionID)
		if err != nil {
			chatError(c, h.logger, "get session", err)
			return
		}
		if session.CustomerID != userID {
			c.JSON(http.StatusForbidden, ErrorResponse{
				Error:   "Forbidden",
				Message: "session belongs to another customer",
			})
			return
		}
	}

	ident := realtime.Identity{UserID: userID, Name: name, Role: role}
	h.hub.HandleConnection(c.Writer, c.Request, ident, sessionID)
}

// RegisterChatRoutes 注册聊天相关路由
func RegisterChatRoutes(r *gin.RouterGroup, handler *ChatHandler) {
	chat := r.Group("/chat")
	{
		chat.POST("/sessions", handler.ResumeOrCreate)
		chat.GET("/sessions/:id", handler.GetSession)
		chat.GET("/sessions/:id/queue", handler.GetQueuePosition)
		chat.GET("/sessions/:id/messages", handler.GetHistory)
		chat.POST("/sessions/:id/messages", handler.AppendMessage)
		chat.POST("/sessions/:id/typing", handler.SetTyping)
		chat.POST("/sessions/:id/read", handler.MarkRead)
		chat.POST("/sessions/:id/close", handler.CloseSession)
		chat.GET("/ws", handler.HandleWebSocket)
	}
}
