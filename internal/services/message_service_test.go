package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"carrymate/internal/models"
	"carrymate/internal/realtime"
)

func newMessageServiceTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:message_service_" + t.Name() + "?mode=memory&cache=shared"
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

func seedChatSession(t *testing.T, db *gorm.DB, id, status string) {
	t.Helper()
	session := &models.ChatSession{
		ID:           id,
		CustomerID:   1,
		CustomerName: "Ana",
		Status:       status,
		Department:   "general",
		Priority:     models.PriorityNormal,
	}
	if err := db.Create(session).Error; err != nil {
		t.Fatalf("seed session %s: %v", id, err)
	}
}

func newMessageServiceForTest(db *gorm.DB, bus *realtime.Bus) *MessageService {
	return NewMessageService(db, newTestLogger(), bus, 1000, 10<<20, 3*time.Second)
}

func TestMessageService_Append_Validation(t *testing.T) {
	db := newMessageServiceTestDB(t)
	svc := newMessageServiceForTest(db, nil)
	ctx := context.Background()
	seedChatSession(t, db, "s1", models.SessionActive)
	sender := Sender{ID: 1, Name: "Ana", Role: models.RoleCustomer}

	tests := []struct {
		name        string
		text        string
		attachments []AttachmentInput
		wantErr     error
	}{
		{"empty", "", nil, ErrEmptyMessage},
		{"whitespace only", "   \n\t ", nil, ErrEmptyMessage},
		{"too long", strings.Repeat("a", 1001), nil, ErrMessageTooLong},
		{"attachment too large", "see file", []AttachmentInput{{URL: "/files/x", Size: 11 << 20}}, ErrAttachmentTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Append(ctx, "s1", sender, tt.text, tt.attachments); !errors.Is(err, tt.wantErr) {
				t.Errorf("Append() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	// 千字符恰好在上限内；多字节字符按字符数而非字节数计
	if _, err := svc.Append(ctx, "s1", sender, strings.Repeat("好", 1000), nil); err != nil {
		t.Errorf("Append() at limit error = %v", err)
	}
	// 纯附件、无文本也可以
	if _, err := svc.Append(ctx, "s1", sender, "", []AttachmentInput{{URL: "/files/a.png", Size: 1024}}); err != nil {
		t.Errorf("Append() attachment-only error = %v", err)
	}
}

func TestMessageService_Append_RejectsClosedSession(t *testing.T) {
	db := newMessageServiceTestDB(t)
	svc := newMessageServiceForTest(db, nil)
	seedChatSession(t, db, "closed", models.SessionClosed)

	sender := Sender{ID: 1, Name: "Ana", Role: models.RoleCustomer}
	if _, err := svc.Append(context.Background(), "closed", sender, "hello?", nil); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Append() error = %v, want ErrSessionClosed", err)
	}

	var count int64
	db.Model(&models.Message{}).Where("session_id = ?", "closed").Count(&count)
	if count != 0 {
		t.Errorf("no message should be stored, found %d", count)
	}
}

func TestMessageService_Append_UpdatesUnreadAndTyping(t *testing.T) {
	db := newMessageServiceTestDB(t)
	svc := newMessageServiceForTest(db, nil)
	ctx := context.Background()
	seedChatSession(t, db, "s1", models.SessionActive)
	db.Model(&models.ChatSession{}).Where("id = ?", "s1").Update("customer_typing", true)

	if _, err := svc.Append(ctx, "s1", Sender{ID: 1, Name: "Ana", Role: models.RoleCustomer}, "hi", nil); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	var session models.ChatSession
	db.First(&session, "id = ?", "s1")
	if session.AgentUnread != 1 {
		t.Errorf("agent_unread = %d, want 1", session.AgentUnread)
	}
	if session.CustomerUnread != 0 {
		t.Errorf("customer_unread = %d, want 0", session.CustomerUnread)
	}
	if session.CustomerTyping {
		t.Error("sending must clear the sender's typing flag")
	}
	if session.LastMessageAt == nil {
		t.Error("last_message_at not set")
	}

	if _, err := svc.Append(ctx, "s1", Sender{ID: 2, Name: "Sven", Role: models.RoleAgent}, "hello", nil); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	db.First(&session, "id = ?", "s1")
	if session.CustomerUnread != 1 {
		t.Errorf("customer_unread = %d, want 1 after agent reply", session.CustomerUnread)
	}
}

func TestMessageService_History_OrderAndAttachments(t *testing.T) {
	db := newMessageServiceTestDB(t)
	svc := newMessageServiceForTest(db, nil)
	ctx := context.Background()
	seedChatSession(t, db, "s1", models.SessionActive)

	sender := Sender{ID: 1, Name: "Ana", Role: models.RoleCustomer}
	if _, err := svc.Append(ctx, "s1", sender, "first", nil); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := svc.Append(ctx, "s1", sender, "second", []AttachmentInput{{URL: "/files/a.pdf", FileName: "a.pdf", Size: 10}}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	history, err := svc.History(ctx, "s1")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("History() returned %d messages, want 2", len(history))
	}
	if history[0].Content != "first" || history[1].Content != "second" {
		t.Errorf("history out of order: %q then %q", history[0].Content, history[1].Content)
	}
	if len(history[1].Attachments) != 1 || history[1].Attachments[0].URL != "/files/a.pdf" {
		t.Errorf("attachment not preloaded: %+v", history[1].Attachments)
	}
}

func TestMessageService_Subscribe_SnapshotThenStream(t *testing.T) {
	db := newMessageServiceTestDB(t)
	bus := realtime.NewBus()
	svc := newMessageServiceForTest(db, bus)
	ctx := context.Background()
	seedChatSession(t, db, "s1", models.SessionActive)

	sender := Sender{ID: 1, Name: "Ana", Role: models.RoleCustomer}
	if _, err := svc.Append(ctx, "s1", sender, "before subscribe", nil); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	sub, snapshot, err := svc.Subscribe(ctx, "s1", 8)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()
	if len(snapshot) != 1 || snapshot[0].Content != "before subscribe" {
		t.Fatalf("snapshot = %+v, want the pre-subscribe message", snapshot)
	}

	if _, err := svc.Append(ctx, "s1", sender, "after subscribe", nil); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	select {
	case ev := <-sub.Events():
		if ev.Type != realtime.EventMessageCreated {
			t.Errorf("event type = %s, want %s", ev.Type, realtime.EventMessageCreated)
		}
		msg, ok := ev.Data.(*models.Message)
		if !ok {
			t.Fatalf("event data type = %T", ev.Data)
		}
		if msg.Content != "after subscribe" {
			t.Errorf("streamed content = %q", msg.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received on subscription")
	}
}

func TestMessageService_SetTyping_ExpiresAfterIdle(t *testing.T) {
	db := newMessageServiceTestDB(t)
	svc := NewMessageService(db, newTestLogger(), nil, 1000, 10<<20, 30*time.Millisecond)
	ctx := context.Background()
	seedChatSession(t, db, "s1", models.SessionActive)

	if err := svc.SetTyping(ctx, "s1", models.SideCustomer, true); err != nil {
		t.Fatalf("SetTyping() error = %v", err)
	}
	var session models.ChatSession
	db.First(&session, "id = ?", "s1")
	if !session.CustomerTyping {
		t.Fatal("customer_typing should be set")
	}

	// 空闲超时后自动清零
	deadline := time.Now().Add(2 * time.Second)
	for {
		db.First(&session, "id = ?", "s1")
		if !session.CustomerTyping {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("typing flag did not expire")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMessageService_SetTyping_Errors(t *testing.T) {
	db := newMessageServiceTestDB(t)
	svc := newMessageServiceForTest(db, nil)
	ctx := context.Background()
	seedChatSession(t, db, "closed", models.SessionClosed)

	if err := svc.SetTyping(ctx, "s1", "spectator", true); !errors.Is(err, ErrInvalidSide) {
		t.Errorf("SetTyping() bad side error = %v, want ErrInvalidSide", err)
	}
	if err := svc.SetTyping(ctx, "missing", models.SideCustomer, true); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("SetTyping() missing session error = %v, want ErrSessionNotFound", err)
	}
	// 已关闭会话不接受输入中标记
	if err := svc.SetTyping(ctx, "closed", models.SideCustomer, true); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("SetTyping() closed session error = %v, want ErrSessionNotFound", err)
	}
}

// recordingTypingMirror 记录外部镜像收到的输入中变更
type recordingTypingMirror struct {
	mu    sync.Mutex
	calls []string
}

func (m *recordingTypingMirror) SetTyping(ctx context.Context, sessionID, side string, isTyping bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, fmt.Sprintf("%s/%s=%v", sessionID, side, isTyping))
	return nil
}

func TestMessageService_Append_ClearsTypingMirror(t *testing.T) {
	db := newMessageServiceTestDB(t)
	svc := newMessageServiceForTest(db, nil)
	mirror := &recordingTypingMirror{}
	svc.SetPresenceService(mirror)
	ctx := context.Background()
	seedChatSession(t, db, "s1", models.SessionActive)

	if err := svc.SetTyping(ctx, "s1", models.SideCustomer, true); err != nil {
		t.Fatalf("SetTyping() error = %v", err)
	}
	if _, err := svc.Append(ctx, "s1", Sender{ID: 1, Name: "Ana", Role: models.RoleCustomer}, "done typing", nil); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	// 发送后镜像也要立刻清掉，不能等 TTL 过期
	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	want := []string{"s1/customer=true", "s1/customer=false"}
	if len(mirror.calls) != len(want) {
		t.Fatalf("mirror calls = %v, want %v", mirror.calls, want)
	}
	for i := range want {
		if mirror.calls[i] != want[i] {
			t.Errorf("mirror call %d = %s, want %s", i, mirror.calls[i], want[i])
		}
	}
}

func TestMessageService_MarkDelivered(t *testing.T) {
	db := newMessageServiceTestDB(t)
	svc := newMessageServiceForTest(db, nil)
	svc.SetRegistryService(NewRegistryService(db, newTestLogger(), nil, 5))
	ctx := context.Background()
	seedChatSession(t, db, "s1", models.SessionActive)

	if _, err := svc.Append(ctx, "s1", Sender{ID: 2, Name: "Sven", Role: models.RoleAgent}, "checking in", nil); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if err := svc.MarkDelivered(ctx, "s1", "spectator"); !errors.Is(err, ErrInvalidSide) {
		t.Errorf("MarkDelivered() bad side error = %v, want ErrInvalidSide", err)
	}

	// 顾客侧拉取后，客服消息推进到已送达，但还不算已读
	if err := svc.MarkDelivered(ctx, "s1", models.SideCustomer); err != nil {
		t.Fatalf("MarkDelivered() error = %v", err)
	}
	var msg models.Message
	db.First(&msg, "session_id = ? AND sender_role = ?", "s1", models.RoleAgent)
	if msg.Status != models.MessageDelivered {
		t.Errorf("status = %s, want %s", msg.Status, models.MessageDelivered)
	}
	if msg.Read {
		t.Error("delivered message must not be marked read")
	}

	// 已读在送达之后推进
	if err := svc.MarkRead(ctx, "s1", models.SideCustomer); err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	db.First(&msg, "session_id = ? AND sender_role = ?", "s1", models.RoleAgent)
	if !msg.Read || msg.Status != models.MessageRead {
		t.Errorf("after MarkRead: read=%v status=%s, want read status", msg.Read, msg.Status)
	}
}

func TestMessageService_MarkRead(t *testing.T) {
	db := newMessageServiceTestDB(t)
	registry := NewRegistryService(db, newTestLogger(), nil, 5)
	svc := newMessageServiceForTest(db, nil)
	svc.SetRegistryService(registry)
	ctx := context.Background()
	seedChatSession(t, db, "s1", models.SessionActive)

	if _, err := svc.Append(ctx, "s1", Sender{ID: 2, Name: "Sven", Role: models.RoleAgent}, "any news?", nil); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if err := svc.MarkRead(ctx, "s1", models.SideCustomer); err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}

	var session models.ChatSession
	db.First(&session, "id = ?", "s1")
	if session.CustomerUnread != 0 {
		t.Errorf("customer_unread = %d, want 0", session.CustomerUnread)
	}

	var msg models.Message
	db.First(&msg, "session_id = ? AND sender_role = ?", "s1", models.RoleAgent)
	if !msg.Read || msg.Status != models.MessageRead {
		t.Errorf("agent message should be read: read=%v status=%s", msg.Read, msg.Status)
	}
}
