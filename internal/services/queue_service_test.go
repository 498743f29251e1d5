package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"carrymate/internal/models"
)

func newQueueServiceTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:queue_service_" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.QueueEntry{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func seedQueueEntry(t *testing.T, db *gorm.DB, sessionID, priority string, queuedAt time.Time) {
	t.Helper()
	entry := &models.QueueEntry{
		SessionID:  sessionID,
		CustomerID: 1,
		Priority:   priority,
		Department: "general",
		QueuedAt:   queuedAt,
	}
	if err := db.Create(entry).Error; err != nil {
		t.Fatalf("seed queue entry %s: %v", sessionID, err)
	}
}

func TestQueueService_List_PriorityThenFIFO(t *testing.T) {
	db := newQueueServiceTestDB(t)
	svc := NewQueueService(db, newTestLogger(), nil, 2*time.Minute)
	base := time.Now().Add(-time.Hour)

	seedQueueEntry(t, db, "normal-early", models.PriorityNormal, base)
	seedQueueEntry(t, db, "high-late", models.PriorityHigh, base.Add(30*time.Minute))
	seedQueueEntry(t, db, "low-early", models.PriorityLow, base.Add(time.Minute))
	seedQueueEntry(t, db, "high-early", models.PriorityHigh, base.Add(10*time.Minute))
	seedQueueEntry(t, db, "normal-late", models.PriorityNormal, base.Add(20*time.Minute))

	positions, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}

	want := []string{"high-early", "high-late", "normal-early", "normal-late", "low-early"}
	if len(positions) != len(want) {
		t.Fatalf("List() returned %d entries, want %d", len(positions), len(want))
	}
	for i, sessionID := range want {
		if positions[i].Entry.SessionID != sessionID {
			t.Errorf("position %d = %s, want %s", i+1, positions[i].Entry.SessionID, sessionID)
		}
		if positions[i].Position != i+1 {
			t.Errorf("Position = %d, want %d", positions[i].Position, i+1)
		}
		if wantWait := time.Duration(i+1) * 2 * time.Minute; positions[i].EstimatedWait != wantWait {
			t.Errorf("EstimatedWait = %v, want %v", positions[i].EstimatedWait, wantWait)
		}
	}
}

func TestQueueService_PositionOf(t *testing.T) {
	db := newQueueServiceTestDB(t)
	svc := NewQueueService(db, newTestLogger(), nil, 2*time.Minute)
	base := time.Now().Add(-time.Hour)

	seedQueueEntry(t, db, "first", models.PriorityNormal, base)
	seedQueueEntry(t, db, "second", models.PriorityNormal, base.Add(time.Minute))

	pos, err := svc.PositionOf(context.Background(), "second")
	if err != nil {
		t.Fatalf("PositionOf() error = %v", err)
	}
	if pos.Position != 2 {
		t.Errorf("Position = %d, want 2", pos.Position)
	}
	if pos.EstimatedWait != 4*time.Minute {
		t.Errorf("EstimatedWait = %v, want 4m", pos.EstimatedWait)
	}

	if _, err := svc.PositionOf(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("PositionOf() missing error = %v, want ErrNotFound", err)
	}
}

func TestQueueService_StaleCount(t *testing.T) {
	db := newQueueServiceTestDB(t)
	svc := NewQueueService(db, newTestLogger(), nil, 2*time.Minute)

	seedQueueEntry(t, db, "old", models.PriorityNormal, time.Now().Add(-2*time.Hour))
	seedQueueEntry(t, db, "fresh", models.PriorityNormal, time.Now())

	count, err := svc.StaleCount(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("StaleCount() error = %v", err)
	}
	if count != 1 {
		t.Errorf("StaleCount() = %d, want 1", count)
	}

	// cutoff 未配置时不计数
	count, err = svc.StaleCount(context.Background(), 0)
	if err != nil || count != 0 {
		t.Errorf("StaleCount(0) = (%d, %v), want (0, nil)", count, err)
	}
}

func TestQueueService_EntryBySession(t *testing.T) {
	db := newQueueServiceTestDB(t)
	svc := NewQueueService(db, newTestLogger(), nil, 2*time.Minute)

	seedQueueEntry(t, db, "s1", models.PriorityNormal, time.Now())

	entry, err := svc.EntryBySession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("EntryBySession() error = %v", err)
	}
	if entry.SessionID != "s1" {
		t.Errorf("SessionID = %s, want s1", entry.SessionID)
	}
	if _, err := svc.EntryBySession(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("EntryBySession() missing error = %v, want ErrNotFound", err)
	}
}

func TestQueueLess_TiesBreakByID(t *testing.T) {
	at := time.Now()
	a := models.QueueEntry{ID: 1, Priority: models.PriorityNormal, QueuedAt: at}
	b := models.QueueEntry{ID: 2, Priority: models.PriorityNormal, QueuedAt: at}
	if !queueLess(a, b) {
		t.Error("lower ID should win on identical priority and time")
	}
	if queueLess(b, a) {
		t.Error("comparison must be asymmetric")
	}
}
