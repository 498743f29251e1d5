package handlers

import (
	"net/http"
	"strconv"

	"carrymate/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// WalletHandler 令牌钱包处理器
type WalletHandler struct {
	wallet *services.WalletService
	logger *logrus.Logger
}

// NewWalletHandler 创建钱包处理器
func NewWalletHandler(wallet *services.WalletService, logger *logrus.Logger) *WalletHandler {
	return &WalletHandler{wallet: wallet, logger: logger}
}

// GetBalance 查询余额
// @Summary 查询令牌余额
// @Tags 钱包
// @Produce json
// @Success 200 {object} map[string]int
// @Router /api/wallet/balance [get]
func (h *WalletHandler) GetBalance(c *gin.Context) {
	userID, _, _, ok := identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "Unauthorized",
			Message: "missing user identity",
		})
		return
	}

	balance, err := h.wallet.Balance(c.Request.Context(), userID)
	if err != nil {
		h.logger.Errorf("Failed to get balance: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to get balance",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

// GetHistory 查询最近的流水
// @Summary 查询令牌流水
// @Tags 钱包
// @Produce json
// @Param limit query int false "返回条数（默认 50，上限 200）"
// @Success 200 {array} models.TokenLedger
// @Router /api/wallet/history [get]
func (h *WalletHandler) GetHistory(c *gin.Context) {
	userID, _, _, ok := identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "Unauthorized",
			Message: "missing user identity",
		})
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	entries, err := h.wallet.History(c.Request.Context(), userID, limit)
	if err != nil {
		h.logger.Errorf("Failed to get wallet history: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to get history",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, entries)
}

// RegisterWalletRoutes 注册钱包路由
func RegisterWalletRoutes(r *gin.RouterGroup, handler *WalletHandler) {
	wallet := r.Group("/wallet")
	{
		wallet.GET("/balance", handler.GetBalance)
		wallet.GET("/history", handler.GetHistory)
	}
}
