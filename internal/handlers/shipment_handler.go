package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"carrymate/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ShipmentHandler 运送请求处理器
type ShipmentHandler struct {
	shipments *services.ShipmentService
	logger    *logrus.Logger
}

// NewShipmentHandler 创建运送请求处理器
func NewShipmentHandler(shipments *services.ShipmentService, logger *logrus.Logger) *ShipmentHandler {
	return &ShipmentHandler{shipments: shipments, logger: logger}
}

func requestID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request ID",
			Message: "ID must be a valid number",
		})
		return 0, false
	}
	return uint(id), true
}

func (h *ShipmentHandler) respondShipmentError(c *gin.Context, action string, err error) {
	if errors.Is(err, services.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Not found",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   "Failed to " + action,
		Message: err.Error(),
	})
}

// CreateRequest 发起运送请求（扣 1 枚令牌）
// @Summary 发起运送请求
// @Tags 运送
// @Accept json
// @Produce json
// @Param request body services.ShipmentCreateRequest true "请求信息"
// @Success 201 {object} models.ShipmentRequest
// @Failure 400 {object} ErrorResponse
// @Router /api/shipments [post]
func (h *ShipmentHandler) CreateRequest(c *gin.Context) {
	userID, _, _, ok := identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "Unauthorized",
			Message: "missing user identity",
		})
		return
	}

	var req services.ShipmentCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	request, err := h.shipments.Create(c.Request.Context(), userID, &req)
	if err != nil {
		h.respondShipmentError(c, "create request", err)
		return
	}
	c.JSON(http.StatusCreated, request)
}

// AcceptRequest 旅行者接受请求
// @Summary 接受运送请求
// @Tags 运送
// @Produce json
// @Param id path int true "请求ID"
// @Success 200 {object} models.ShipmentRequest
// @Failure 400 {object} ErrorResponse
// @Router /api/shipments/{id}/accept [post]
func (h *ShipmentHandler) AcceptRequest(c *gin.Context) {
	userID, _, _, ok := identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "Unauthorized",
			Message: "missing user identity",
		})
		return
	}
	id, ok := requestID(c)
	if !ok {
		return
	}

	request, err := h.shipments.Accept(c.Request.Context(), userID, id)
	if err != nil {
		h.respondShipmentError(c, "accept request", err)
		return
	}
	c.JSON(http.StatusOK, request)
}

// DeclineRequest 旅行者拒绝请求（退还令牌）
// @Summary 拒绝运送请求
// @Tags 运送
// @Produce json
// @Param id path int true "请求ID"
// @Success 200 {object} models.ShipmentRequest
// @Failure 400 {object} ErrorResponse
// @Router /api/shipments/{id}/decline [post]
func (h *ShipmentHandler) DeclineRequest(c *gin.Context) {
	userID, _, _, ok := identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "Unauthorized",
			Message: "missing user identity",
		})
		return
	}
	id, ok := requestID(c)
	if !ok {
		return
	}

	request, err := h.shipments.Decline(c.Request.Context(), userID, id)
	if err != nil {
		h.respondShipmentError(c, "decline request", err)
		return
	}
	c.JSON(http.StatusOK, request)
}

// MarkDelivered 寄件人确认送达
// @Summary 确认送达
// @Tags 运送
// @Produce json
// @Param id path int true "请求ID"
// @Success 200 {object} models.ShipmentRequest
// @Failure 400 {object} ErrorResponse
// @Router /api/shipments/{id}/delivered [post]
func (h *ShipmentHandler) MarkDelivered(c *gin.Context) {
	userID, _, _, ok := identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "Unauthorized",
			Message: "missing user identity",
		})
		return
	}
	id, ok := requestID(c)
	if !ok {
		return
	}

	request, err := h.shipments.MarkDelivered(c.Request.Context(), userID, id)
	if err != nil {
		h.respondShipmentError(c, "mark delivered", err)
		return
	}
	c.JSON(http.StatusOK, request)
}

// ListMine 寄件人自己的请求
// @Summary 我的运送请求
// @Tags 运送
// @Produce json
// @Success 200 {array} models.ShipmentRequest
// @Router /api/shipments [get]
func (h *ShipmentHandler) ListMine(c *gin.Context) {
	userID, _, _, ok := identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "Unauthorized",
			Message: "missing user identity",
		})
		return
	}

	requests, err := h.shipments.ListForSender(c.Request.Context(), userID)
	if err != nil {
		h.logger.Errorf("Failed to list requests: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to list requests",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, requests)
}

// ListForTrip 某行程收到的请求（仅行程所有者）
// @Summary 行程收到的请求
// @Tags 运送
// @Produce json
// @Param id path int true "行程ID"
// @Success 200 {array} models.ShipmentRequest
// @Router /api/trips/{id}/shipments [get]
func (h *ShipmentHandler) ListForTrip(c *gin.Context) {
	userID, _, _, ok := identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "Unauthorized",
			Message: "missing user identity",
		})
		return
	}

	tripID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid trip ID",
			Message: "ID must be a valid number",
		})
		return
	}

	requests, err := h.shipments.ListForTrip(c.Request.Context(), userID, uint(tripID))
	if err != nil {
		h.respondShipmentError(c, "list requests", err)
		return
	}
	c.JSON(http.StatusOK, requests)
}

// RegisterShipmentRoutes 注册运送请求路由
func RegisterShipmentRoutes(r *gin.RouterGroup, handler *ShipmentHandler) {
	shipments := r.Group("/shipments")
	{
		shipments.POST("", handler.CreateRequest)
		shipments.GET("", handler.ListMine)
		shipments.POST("/:id/accept", handler.AcceptRequest)
		shipments.POST("/:id/decline", handler.DeclineRequest)
		shipments.POST("/:id/delivered", handler.MarkDelivered)
	}
	r.GET("/trips/:id/shipments", handler.ListForTrip)
}
