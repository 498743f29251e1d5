package services

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"carrymate/internal/models"
)

func newRegistryServiceTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:registry_service_" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.ChatSession{},
		&models.QueueEntry{},
		&models.Message{},
		&models.MessageAttachment{},
	); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestRegistryService_ResumeOrCreate_CreatesWaitingSession(t *testing.T) {
	db := newRegistryServiceTestDB(t)
	svc := NewRegistryService(db, newTestLogger(), nil, 5)

	session, created, err := svc.ResumeOrCreate(context.Background(), &ResumeOrCreateRequest{
		CustomerID:   42,
		CustomerName: "Nadia",
		Email:        "nadia@example.com",
		Priority:     "high",
	})
	if err != nil {
		t.Fatalf("ResumeOrCreate() error = %v", err)
	}
	if !created {
		t.Fatal("expected created = true for first call")
	}
	if session.Status != models.SessionWaiting {
		t.Errorf("expected status waiting, got %s", session.Status)
	}
	if session.Priority != models.PriorityHigh {
		t.Errorf("expected priority high, got %s", session.Priority)
	}
	if session.Department != "general" {
		t.Errorf("expected default department general, got %s", session.Department)
	}

	// 欢迎语与排队记录应在同一事务内落库
	var msgCount int64
	db.Model(&models.Message{}).Where("session_id = ? AND sender_role = ?", session.ID, models.RoleSystem).Count(&msgCount)
	if msgCount != 1 {
		t.Errorf("expected 1 system welcome message, got %d", msgCount)
	}
	var entry models.QueueEntry
	if err := db.First(&entry, "session_id = ?", session.ID).Error; err != nil {
		t.Fatalf("queue entry not created: %v", err)
	}
	if entry.Priority != models.PriorityHigh {
		t.Errorf("queue entry priority = %s, want high", entry.Priority)
	}
}

func TestRegistryService_ResumeOrCreate_ResumesOpenSession(t *testing.T) {
	db := newRegistryServiceTestDB(t)
	svc := NewRegistryService(db, newTestLogger(), nil, 5)
	ctx := context.Background()

	first, created, err := svc.ResumeOrCreate(ctx, &ResumeOrCreateRequest{CustomerID: 7, CustomerName: "Omar"})
	if err != nil || !created {
		t.Fatalf("first ResumeOrCreate() = (%v, %v)", created, err)
	}

	second, created, err := svc.ResumeOrCreate(ctx, &ResumeOrCreateRequest{CustomerID: 7, CustomerName: "Omar"})
	if err != nil {
		t.Fatalf("second ResumeOrCreate() error = %v", err)
	}
	if created {
		t.Error("expected created = false on resume")
	}
	if second.ID != first.ID {
		t.Errorf("expected same session, got %s and %s", first.ID, second.ID)
	}

	var entryCount int64
	db.Model(&models.QueueEntry{}).Where("customer_id = ?", 7).Count(&entryCount)
	if entryCount != 1 {
		t.Errorf("expected a single queue entry, got %d", entryCount)
	}
}

func TestRegistryService_ResumeOrCreate_NewSessionAfterClose(t *testing.T) {
	db := newRegistryServiceTestDB(t)
	svc := NewRegistryService(db, newTestLogger(), nil, 5)
	ctx := context.Background()

	first, _, err := svc.ResumeOrCreate(ctx, &ResumeOrCreateRequest{CustomerID: 9, CustomerName: "Lena"})
	if err != nil {
		t.Fatalf("ResumeOrCreate() error = %v", err)
	}
	if _, err := svc.Close(ctx, first.ID, models.SideCustomer); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	second, created, err := svc.ResumeOrCreate(ctx, &ResumeOrCreateRequest{CustomerID: 9, CustomerName: "Lena"})
	if err != nil {
		t.Fatalf("ResumeOrCreate() after close error = %v", err)
	}
	if !created || second.ID == first.ID {
		t.Errorf("expected a fresh session after close, created=%v id=%s", created, second.ID)
	}
}

func TestRegistryService_Assign_ActivatesSessionAndDrainsQueue(t *testing.T) {
	db := newRegistryServiceTestDB(t)
	svc := NewRegistryService(db, newTestLogger(), nil, 5)
	ctx := context.Background()

	session, _, err := svc.ResumeOrCreate(ctx, &ResumeOrCreateRequest{CustomerID: 1, CustomerName: "Ana"})
	if err != nil {
		t.Fatalf("ResumeOrCreate() error = %v", err)
	}
	var entry models.QueueEntry
	if err := db.First(&entry, "session_id = ?", session.ID).Error; err != nil {
		t.Fatalf("load queue entry: %v", err)
	}

	assigned, err := svc.Assign(ctx, entry.ID, 100, "Sven")
	if err != nil {
		t.Fatalf("Assign() error = %v", err)
	}
	if assigned.Status != models.SessionActive {
		t.Errorf("expected status active, got %s", assigned.Status)
	}
	if assigned.AgentID == nil || *assigned.AgentID != 100 {
		t.Errorf("expected agent 100, got %v", assigned.AgentID)
	}

	var entryCount int64
	db.Model(&models.QueueEntry{}).Where("session_id = ?", session.ID).Count(&entryCount)
	if entryCount != 0 {
		t.Errorf("queue entry should be deleted, found %d", entryCount)
	}

	var greeting models.Message
	if err := db.Where("session_id = ? AND content LIKE ?", session.ID, "%joined the conversation%").First(&greeting).Error; err != nil {
		t.Errorf("expected greeting message: %v", err)
	}
}

func TestRegistryService_Assign_SecondClaimLoses(t *testing.T) {
	db := newRegistryServiceTestDB(t)
	svc := NewRegistryService(db, newTestLogger(), nil, 5)
	ctx := context.Background()

	session, _, err := svc.ResumeOrCreate(ctx, &ResumeOrCreateRequest{CustomerID: 2, CustomerName: "Bo"})
	if err != nil {
		t.Fatalf("ResumeOrCreate() error = %v", err)
	}
	var entry models.QueueEntry
	db.First(&entry, "session_id = ?", session.ID)

	if _, err := svc.Assign(ctx, entry.ID, 10, "First"); err != nil {
		t.Fatalf("first Assign() error = %v", err)
	}
	if _, err := svc.Assign(ctx, entry.ID, 11, "Second"); !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("second Assign() error = %v, want ErrAlreadyClaimed", err)
	}

	got, err := svc.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.AgentID == nil || *got.AgentID != 10 {
		t.Errorf("session should stay with first agent, got %v", got.AgentID)
	}
}

func TestRegistryService_Assign_AgentAtCapacity(t *testing.T) {
	db := newRegistryServiceTestDB(t)
	svc := NewRegistryService(db, newTestLogger(), nil, 1)
	ctx := context.Background()

	first, _, _ := svc.ResumeOrCreate(ctx, &ResumeOrCreateRequest{CustomerID: 20, CustomerName: "C1"})
	second, _, _ := svc.ResumeOrCreate(ctx, &ResumeOrCreateRequest{CustomerID: 21, CustomerName: "C2"})

	var e1, e2 models.QueueEntry
	db.First(&e1, "session_id = ?", first.ID)
	db.First(&e2, "session_id = ?", second.ID)

	if _, err := svc.Assign(ctx, e1.ID, 5, "Max"); err != nil {
		t.Fatalf("Assign() error = %v", err)
	}
	if _, err := svc.Assign(ctx, e2.ID, 5, "Max"); !errors.Is(err, ErrAgentAtCapacity) {
		t.Errorf("Assign() beyond cap error = %v, want ErrAgentAtCapacity", err)
	}

	// 被拒的排队记录必须保留，留给其他客服
	var entryCount int64
	db.Model(&models.QueueEntry{}).Where("session_id = ?", second.ID).Count(&entryCount)
	if entryCount != 1 {
		t.Errorf("rejected entry should remain queued, found %d", entryCount)
	}
}

func TestRegistryService_Transfer(t *testing.T) {
	db := newRegistryServiceTestDB(t)
	svc := NewRegistryService(db, newTestLogger(), nil, 5)
	ctx := context.Background()

	session, _, _ := svc.ResumeOrCreate(ctx, &ResumeOrCreateRequest{CustomerID: 30, CustomerName: "Tia"})

	// waiting 会话不可改派
	if _, err := svc.Transfer(ctx, session.ID, 2, "Eve"); !errors.Is(err, ErrNotAssignable) {
		t.Errorf("Transfer() on waiting error = %v, want ErrNotAssignable", err)
	}

	var entry models.QueueEntry
	db.First(&entry, "session_id = ?", session.ID)
	if _, err := svc.Assign(ctx, entry.ID, 1, "Ada"); err != nil {
		t.Fatalf("Assign() error = %v", err)
	}

	transferred, err := svc.Transfer(ctx, session.ID, 2, "Eve")
	if err != nil {
		t.Fatalf("Transfer() error = %v", err)
	}
	if transferred.AgentID == nil || *transferred.AgentID != 2 {
		t.Errorf("expected agent 2 after transfer, got %v", transferred.AgentID)
	}
	if transferred.Status != models.SessionActive {
		t.Errorf("transfer must not change status, got %s", transferred.Status)
	}

	if _, err := svc.Close(ctx, session.ID, models.SideAgent); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := svc.Transfer(ctx, session.ID, 3, "Zed"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Transfer() on closed error = %v, want ErrSessionClosed", err)
	}
}

func TestRegistryService_Close_Idempotent(t *testing.T) {
	db := newRegistryServiceTestDB(t)
	svc := NewRegistryService(db, newTestLogger(), nil, 5)
	ctx := context.Background()

	session, _, _ := svc.ResumeOrCreate(ctx, &ResumeOrCreateRequest{CustomerID: 40, CustomerName: "Kim"})

	closed, err := svc.Close(ctx, session.ID, models.SideCustomer)
	if err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if closed.Status != models.SessionClosed || closed.ClosedAt == nil {
		t.Errorf("expected closed session with timestamp, got status=%s closedAt=%v", closed.Status, closed.ClosedAt)
	}
	if closed.ClosedBy == nil || *closed.ClosedBy != models.SideCustomer {
		t.Errorf("expected closed_by customer, got %v", closed.ClosedBy)
	}

	var before int64
	db.Model(&models.Message{}).Where("session_id = ?", session.ID).Count(&before)

	if _, err := svc.Close(ctx, session.ID, models.SideAgent); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	var after int64
	db.Model(&models.Message{}).Where("session_id = ?", session.ID).Count(&after)
	if after != before {
		t.Errorf("second close must not append messages: %d -> %d", before, after)
	}

	got, _ := svc.Get(ctx, session.ID)
	if got.ClosedBy == nil || *got.ClosedBy != models.SideCustomer {
		t.Errorf("closed_by must keep first closer, got %v", got.ClosedBy)
	}
}

func TestRegistryService_Close_WaitingDropsQueueEntry(t *testing.T) {
	db := newRegistryServiceTestDB(t)
	svc := NewRegistryService(db, newTestLogger(), nil, 5)
	ctx := context.Background()

	session, _, _ := svc.ResumeOrCreate(ctx, &ResumeOrCreateRequest{CustomerID: 50, CustomerName: "Ivo"})
	if _, err := svc.Close(ctx, session.ID, models.SideCustomer); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	var entryCount int64
	db.Model(&models.QueueEntry{}).Where("session_id = ?", session.ID).Count(&entryCount)
	if entryCount != 0 {
		t.Errorf("closing a waiting session must remove its queue entry, found %d", entryCount)
	}
}

func TestRegistryService_MarkRead(t *testing.T) {
	db := newRegistryServiceTestDB(t)
	svc := NewRegistryService(db, newTestLogger(), nil, 5)
	ctx := context.Background()

	session, _, _ := svc.ResumeOrCreate(ctx, &ResumeOrCreateRequest{CustomerID: 60, CustomerName: "Pia"})
	db.Model(&models.ChatSession{}).Where("id = ?", session.ID).Update("customer_unread", 3)

	if err := svc.MarkRead(ctx, session.ID, models.SideCustomer); err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	got, _ := svc.Get(ctx, session.ID)
	if got.CustomerUnread != 0 {
		t.Errorf("customer_unread = %d, want 0", got.CustomerUnread)
	}

	if err := svc.MarkRead(ctx, session.ID, "observer"); !errors.Is(err, ErrInvalidSide) {
		t.Errorf("MarkRead() bad side error = %v, want ErrInvalidSide", err)
	}
	if err := svc.MarkRead(ctx, "missing", models.SideAgent); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("MarkRead() missing session error = %v, want ErrSessionNotFound", err)
	}
}

func TestRegistryService_ListForAgent(t *testing.T) {
	db := newRegistryServiceTestDB(t)
	svc := NewRegistryService(db, newTestLogger(), nil, 5)
	ctx := context.Background()

	for i, customer := range []uint{70, 71, 72} {
		session, _, err := svc.ResumeOrCreate(ctx, &ResumeOrCreateRequest{CustomerID: customer, CustomerName: "C"})
		if err != nil {
			t.Fatalf("ResumeOrCreate() error = %v", err)
		}
		var entry models.QueueEntry
		db.First(&entry, "session_id = ?", session.ID)
		if _, err := svc.Assign(ctx, entry.ID, 9, "Nur"); err != nil {
			t.Fatalf("Assign() #%d error = %v", i, err)
		}
		if customer == 72 {
			if _, err := svc.Close(ctx, session.ID, models.SideAgent); err != nil {
				t.Fatalf("Close() error = %v", err)
			}
		}
	}

	sessions, err := svc.ListForAgent(ctx, 9)
	if err != nil {
		t.Fatalf("ListForAgent() error = %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("expected 2 active sessions, got %d", len(sessions))
	}
	for _, s := range sessions {
		if s.Status != models.SessionActive {
			t.Errorf("ListForAgent returned non-active session %s (%s)", s.ID, s.Status)
		}
	}
}
