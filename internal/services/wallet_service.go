package services

import (
	"context"
	"errors"
	"fmt"

	"carrymate/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// WalletService 令牌钱包：追加式流水账，余额随时由流水求和得出
type WalletService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewWalletService 创建钱包服务
func NewWalletService(db *gorm.DB, logger *logrus.Logger) *WalletService {
	if logger == nil {
		logger = logrus.New()
	}
	return &WalletService{db: db, logger: logger}
}

// Balance 当前余额
func (s *WalletService) Balance(ctx context.Context, userID uint) (int, error) {
	var balance int
	if err := s.db.WithContext(ctx).Model(&models.TokenLedger{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(delta), 0)").
		Scan(&balance).Error; err != nil {
		return 0, fmt.Errorf("sum ledger: %w", err)
	}
	return balance, nil
}

// Credit 向余额追加令牌。带 reference 的入账按引用幂等：
// 同一引用重复入账会被跳过，支付事件重放因此是安全的。
func (s *WalletService) Credit(ctx context.Context, userID uint, amount int, reason, reference string) error {
	if amount <= 0 {
		return errors.New("credit amount must be positive")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.creditTx(tx, userID, amount, reason, reference)
	})
}

func (s *WalletService) creditTx(tx *gorm.DB, userID uint, amount int, reason, reference string) error {
	if reference != "" {
		var count int64
		if err := tx.Model(&models.TokenLedger{}).
			Where("user_id = ? AND reference = ?", userID, reference).
			Count(&count).Error; err != nil {
			return fmt.Errorf("check reference: %w", err)
		}
		if count > 0 {
			s.logger.WithFields(logrus.Fields{
				"user_id":   userID,
				"reference": reference,
			}).Info("Duplicate credit skipped")
			return nil
		}
	}
	entry := &models.TokenLedger{
		UserID:    userID,
		Delta:     amount,
		Reason:    reason,
		Reference: reference,
	}
	if err := tx.Create(entry).Error; err != nil {
		return fmt.Errorf("create ledger entry: %w", err)
	}
	return nil
}

// Debit 从余额扣除令牌，余额不足则拒绝
func (s *WalletService) Debit(ctx context.Context, userID uint, amount int, reason, reference string) error {
	if amount <= 0 {
		return errors.New("debit amount must be positive")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.debitTx(tx, userID, amount, reason, reference)
	})
}

func (s *WalletService) debitTx(tx *gorm.DB, userID uint, amount int, reason, reference string) error {
	var balance int
	if err := tx.Model(&models.TokenLedger{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(delta), 0)").
		Scan(&balance).Error; err != nil {
		return fmt.Errorf("sum ledger: %w", err)
	}
	if balance < amount {
		return fmt.Errorf("insufficient token balance: have %d, need %d", balance, amount)
	}
	entry := &models.TokenLedger{
		UserID:    userID,
		Delta:     -amount,
		Reason:    reason,
		Reference: reference,
	}
	if err := tx.Create(entry).Error; err != nil {
		return fmt.Errorf("create ledger entry: %w", err)
	}
	return nil
}

// History 最近的流水记录
func (s *WalletService) History(ctx context.Context, userID uint, limit int) ([]models.TokenLedger, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	var entries []models.TokenLedger
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	return entries, nil
}
