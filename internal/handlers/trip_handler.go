package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"carrymate/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// TripHandler 行程处理器
type TripHandler struct {
	trips  *services.TripService
	logger *logrus.Logger
}

// NewTripHandler 创建行程处理器
func NewTripHandler(trips *services.TripService, logger *logrus.Logger) *TripHandler {
	return &TripHandler{trips: trips, logger: logger}
}

// CreateTrip 发布行程
// @Summary 发布行程
// @Tags 行程
// @Accept json
// @Produce json
// @Param trip body services.TripCreateRequest true "行程信息"
// @Success 201 {object} models.Trip
// @Failure 400 {object} ErrorResponse
// @Router /api/trips [post]
func (h *TripHandler) CreateTrip(c *gin.Context) {
	userID, _, _, ok := identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "Unauthorized",
			Message: "missing user identity",
		})
		return
	}

	var req services.TripCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	trip, err := h.trips.Create(c.Request.Context(), userID, &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Failed to create trip",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, trip)
}

// GetTrip 行程详情
// @Summary 行程详情
// @Tags 行程
// @Produce json
// @Param id path int true "行程ID"
// @Success 200 {object} models.Trip
// @Failure 404 {object} ErrorResponse
// @Router /api/trips/{id} [get]
func (h *TripHandler) GetTrip(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid trip ID",
			Message: "ID must be a valid number",
		})
		return
	}

	trip, err := h.trips.Get(c.Request.Context(), uint(id))
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "Trip not found",
				Message: err.Error(),
			})
			return
		}
		h.logger.Errorf("Failed to get trip %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to get trip",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, trip)
}

// ListTrips 检索开放行程
// @Summary 检索行程
// @Tags 行程
// @Produce json
// @Param from query string false "出发国家"
// @Param to query string false "目的国家"
// @Param min_capacity query number false "最小剩余容量（kg）"
// @Success 200 {array} models.Trip
// @Router /api/trips [get]
func (h *TripHandler) ListTrips(c *gin.Context) {
	minCapacity, _ := strconv.ParseFloat(c.Query("min_capacity"), 64)
	limit, _ := strconv.Atoi(c.Query("limit"))

	trips, err := h.trips.List(c.Request.Context(), services.TripFilter{
		FromCountry: c.Query("from"),
		ToCountry:   c.Query("to"),
		MinCapacity: minCapacity,
		Limit:       limit,
	})
	if err != nil {
		h.logger.Errorf("Failed to list trips: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to list trips",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, trips)
}

// UpdateTrip 更新自己的行程
// @Summary 更新行程
// @Tags 行程
// @Accept json
// @Produce json
// @Param id path int true "行程ID"
// @Param trip body services.TripUpdateRequest true "更新信息"
// @Success 200 {object} models.Trip
// @Failure 400 {object} ErrorResponse
// @Router /api/trips/{id} [put]
func (h *TripHandler) UpdateTrip(c *gin.Context) {
	userID, _, _, ok := identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "Unauthorized",
			Message: "missing user identity",
		})
		return
	}

	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid trip ID",
			Message: "ID must be a valid number",
		})
		return
	}

	var req services.TripUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	trip, err := h.trips.Update(c.Request.Context(), userID, uint(id), &req)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "Trip not found",
				Message: err.Error(),
			})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Failed to update trip",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, trip)
}

// DeleteTrip 下架自己的行程
// @Summary 下架行程
// @Tags 行程
// @Produce json
// @Param id path int true "行程ID"
// @Success 200 {object} SuccessResponse
// @Failure 400 {object} ErrorResponse
// @Router /api/trips/{id} [delete]
func (h *TripHandler) DeleteTrip(c *gin.Context) {
	userID, _, _, ok := identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "Unauthorized",
			Message: "missing user identity",
		})
		return
	}

	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid trip ID",
			Message: "ID must be a valid number",
		})
		return
	}

	if err := h.trips.Delete(c.Request.Context(), userID, uint(id)); err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "Trip not found",
				Message: err.Error(),
			})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Failed to delete trip",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "trip deleted"})
}

// RegisterTripRoutes 注册行程路由
func RegisterTripRoutes(r *gin.RouterGroup, handler *TripHandler) {
	trips := r.Group("/trips")
	{
		trips.POST("", handler.CreateTrip)
		trips.GET("", handler.ListTrips)
		trips.GET("/:id", handler.GetTrip)
		trips.PUT("/:id", handler.UpdateTrip)
		trips.DELETE("/:id", handler.DeleteTrip)
	}
}
