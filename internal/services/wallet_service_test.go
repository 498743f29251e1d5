package services

import (
	"context"
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"carrymate/internal/models"
)

func newWalletServiceTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:wallet_service_" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.TokenLedger{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestWalletService_CreditAndBalance(t *testing.T) {
	db := newWalletServiceTestDB(t)
	svc := NewWalletService(db, newTestLogger())
	ctx := context.Background()

	balance, err := svc.Balance(ctx, 1)
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if balance != 0 {
		t.Errorf("fresh balance = %d, want 0", balance)
	}

	if err := svc.Credit(ctx, 1, 5, "purchase", "order:1001"); err != nil {
		t.Fatalf("Credit() error = %v", err)
	}
	balance, _ = svc.Balance(ctx, 1)
	if balance != 5 {
		t.Errorf("balance = %d, want 5", balance)
	}
}

func TestWalletService_Credit_IdempotentByReference(t *testing.T) {
	db := newWalletServiceTestDB(t)
	svc := NewWalletService(db, newTestLogger())
	ctx := context.Background()

	// 同一支付事件投递两次，只记一次账
	if err := svc.Credit(ctx, 2, 10, "purchase", "payment:abc"); err != nil {
		t.Fatalf("first Credit() error = %v", err)
	}
	if err := svc.Credit(ctx, 2, 10, "purchase", "payment:abc"); err != nil {
		t.Fatalf("duplicate Credit() error = %v", err)
	}

	balance, _ := svc.Balance(ctx, 2)
	if balance != 10 {
		t.Errorf("balance = %d, want 10 after duplicate credit", balance)
	}

	var rows int64
	db.Model(&models.TokenLedger{}).Where("user_id = ?", 2).Count(&rows)
	if rows != 1 {
		t.Errorf("ledger rows = %d, want 1", rows)
	}
}

func TestWalletService_Debit_InsufficientBalance(t *testing.T) {
	db := newWalletServiceTestDB(t)
	svc := NewWalletService(db, newTestLogger())
	ctx := context.Background()

	if err := svc.Credit(ctx, 3, 2, "purchase", "order:1"); err != nil {
		t.Fatalf("Credit() error = %v", err)
	}
	err := svc.Debit(ctx, 3, 5, "request_sent", "")
	if err == nil {
		t.Fatal("Debit() beyond balance should fail")
	}
	if !strings.Contains(err.Error(), "insufficient token balance") {
		t.Errorf("Debit() error = %v", err)
	}

	// 失败的扣款不得落账
	balance, _ := svc.Balance(ctx, 3)
	if balance != 2 {
		t.Errorf("balance = %d, want 2", balance)
	}
}

func TestWalletService_History(t *testing.T) {
	db := newWalletServiceTestDB(t)
	svc := NewWalletService(db, newTestLogger())
	ctx := context.Background()

	svc.Credit(ctx, 4, 5, "purchase", "order:1")
	svc.Debit(ctx, 4, 1, "request_sent", "")
	svc.Credit(ctx, 4, 1, "refund", "request:9")

	history, err := svc.History(ctx, 4, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("History() returned %d rows, want 3", len(history))
	}
	// 最近在前
	if history[0].Reason != "refund" {
		t.Errorf("newest entry reason = %s, want refund", history[0].Reason)
	}
	if history[1].Delta != -1 {
		t.Errorf("debit delta = %d, want -1", history[1].Delta)
	}
}
