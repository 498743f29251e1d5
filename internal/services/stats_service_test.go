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

func newStatsServiceTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:stats_service_" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.ChatSession{},
		&models.Message{},
		&models.Trip{},
		&models.ShipmentRequest{},
		&models.DailyStats{},
	); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestStatsService_RollupDay(t *testing.T) {
	db := newStatsServiceTestDB(t)
	svc := NewStatsService(db, newTestLogger(), nil, 0)
	ctx := context.Background()

	day := time.Date(2026, 3, 15, 0, 0, 0, 0, time.Local)
	inDay := day.Add(10 * time.Hour)
	outOfDay := day.AddDate(0, 0, -1).Add(10 * time.Hour)

	agentID := uint(7)
	closedAt := inDay.Add(time.Hour)
	sessions := []models.ChatSession{
		{ID: "a", CustomerID: 1, Status: models.SessionWaiting, CreatedAt: inDay},
		{ID: "b", CustomerID: 2, Status: models.SessionActive, AgentID: &agentID, CreatedAt: inDay},
		{ID: "c", CustomerID: 3, Status: models.SessionClosed, ClosedAt: &closedAt, CreatedAt: inDay},
		{ID: "d", CustomerID: 4, Status: models.SessionWaiting, CreatedAt: outOfDay},
	}
	for i := range sessions {
		if err := db.Create(&sessions[i]).Error; err != nil {
			t.Fatalf("seed session: %v", err)
		}
	}
	db.Create(&models.Message{SessionID: "a", SenderRole: models.RoleCustomer, Content: "hi", CreatedAt: inDay})
	db.Create(&models.Message{SessionID: "a", SenderRole: models.RoleAgent, Content: "hello", CreatedAt: inDay})
	db.Create(&models.Message{SessionID: "d", SenderRole: models.RoleCustomer, Content: "old", CreatedAt: outOfDay})
	db.Create(&models.Trip{TravelerID: 1, FromCountry: "DE", ToCountry: "MA", DepartureDate: inDay, CapacityKg: 5, PricePerKg: 1, Status: "open", CreatedAt: inDay})
	db.Create(&models.ShipmentRequest{TripID: 1, SenderID: 2, ItemName: "Box", WeightKg: 1, Status: "pending", CreatedAt: inDay})

	if err := svc.RollupDay(ctx, inDay); err != nil {
		t.Fatalf("RollupDay() error = %v", err)
	}

	stats, err := svc.GetDay(ctx, day)
	if err != nil {
		t.Fatalf("GetDay() error = %v", err)
	}
	if stats.TotalSessions != 3 {
		t.Errorf("TotalSessions = %d, want 3", stats.TotalSessions)
	}
	if stats.AssignedSessions != 1 {
		t.Errorf("AssignedSessions = %d, want 1", stats.AssignedSessions)
	}
	if stats.ClosedSessions != 1 {
		t.Errorf("ClosedSessions = %d, want 1", stats.ClosedSessions)
	}
	if stats.TotalMessages != 2 {
		t.Errorf("TotalMessages = %d, want 2", stats.TotalMessages)
	}
	if stats.TotalTrips != 1 {
		t.Errorf("TotalTrips = %d, want 1", stats.TotalTrips)
	}
	if stats.TotalRequests != 1 {
		t.Errorf("TotalRequests = %d, want 1", stats.TotalRequests)
	}
}

func TestStatsService_RollupDay_Overwrites(t *testing.T) {
	db := newStatsServiceTestDB(t)
	svc := NewStatsService(db, newTestLogger(), nil, 0)
	ctx := context.Background()

	day := time.Date(2026, 3, 16, 0, 0, 0, 0, time.Local)
	if err := svc.RollupDay(ctx, day); err != nil {
		t.Fatalf("RollupDay() error = %v", err)
	}

	db.Create(&models.ChatSession{ID: "late", CustomerID: 1, Status: models.SessionWaiting, CreatedAt: day.Add(5 * time.Hour)})

	// 重跑同一天应覆盖而非重复
	if err := svc.RollupDay(ctx, day); err != nil {
		t.Fatalf("second RollupDay() error = %v", err)
	}

	var rows int64
	db.Model(&models.DailyStats{}).Count(&rows)
	if rows != 1 {
		t.Errorf("daily stats rows = %d, want 1", rows)
	}
	stats, _ := svc.GetDay(ctx, day)
	if stats.TotalSessions != 1 {
		t.Errorf("TotalSessions = %d, want 1 after rerun", stats.TotalSessions)
	}
}

func TestStatsService_GetDay_Missing(t *testing.T) {
	db := newStatsServiceTestDB(t)
	svc := NewStatsService(db, newTestLogger(), nil, 0)

	if _, err := svc.GetDay(context.Background(), time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDay() missing error = %v, want ErrNotFound", err)
	}
}

func TestStatsService_StartTwice(t *testing.T) {
	db := newStatsServiceTestDB(t)
	svc := NewStatsService(db, newTestLogger(), nil, 0)

	if err := svc.Start("10 0 * * *"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer svc.Stop()

	if err := svc.Start("10 0 * * *"); err == nil {
		t.Error("second Start() should fail")
	}
}
