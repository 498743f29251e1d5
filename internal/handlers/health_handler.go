package handlers

import (
	"net/http"
	"time"

	"carrymate/internal/metrics"
	"carrymate/internal/realtime"
	"carrymate/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// HealthHandler 健康检查与指标导出
type HealthHandler struct {
	db     *gorm.DB
	hub    *realtime.Hub
	stats  *services.StatsService
	logger *logrus.Logger
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(db *gorm.DB, hub *realtime.Hub, stats *services.StatsService, logger *logrus.Logger) *HealthHandler {
	return &HealthHandler{db: db, hub: hub, stats: stats, logger: logger}
}

// Health 存活探针
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
		"version":   "1.0.0",
	})
}

// Ready 就绪探针：数据库可达才算就绪
func (h *HealthHandler) Ready(c *gin.Context) {
	if h.db != nil {
		sqlDB, err := h.db.DB()
		if err == nil {
			err = sqlDB.Ping()
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not ready",
				"reason": "database unreachable",
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Metrics 导出进程内计数器快照
func (h *HealthHandler) Metrics(c *gin.Context) {
	rlTotal, rlByPrefix := metrics.RateLimitSnapshot()
	out := gin.H{
		"chat": metrics.ChatSnapshot(),
		"rate_limit": gin.H{
			"total":     rlTotal,
			"by_prefix": rlByPrefix,
		},
	}
	if h.hub != nil {
		out["ws_clients"] = h.hub.GetClientCount()
	}
	c.JSON(http.StatusOK, out)
}

// DailyStats 查询某天的日报
// @Summary 查询日报
// @Tags 统计
// @Produce json
// @Param date query string false "日期（2006-01-02，缺省为昨天）"
// @Success 200 {object} models.DailyStats
// @Failure 404 {object} ErrorResponse
// @Router /api/stats/daily [get]
func (h *HealthHandler) DailyStats(c *gin.Context) {
	day := time.Now().AddDate(0, 0, -1)
	if raw := c.Query("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "Invalid date",
				Message: "expected format 2006-01-02",
			})
			return
		}
		day = parsed
	}

	stats, err := h.stats.GetDay(c.Request.Context(), day)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Stats not found",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, stats)
}
