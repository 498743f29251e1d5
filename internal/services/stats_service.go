package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"carrymate/internal/models"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// StatsService 日报统计：定时汇总前一天的会话、消息与平台业务量
type StatsService struct {
	db         *gorm.DB
	logger     *logrus.Logger
	queue      *QueueService
	staleAfter time.Duration
	cron       *cron.Cron
}

// NewStatsService 创建统计服务
func NewStatsService(db *gorm.DB, logger *logrus.Logger, queue *QueueService, staleAfter time.Duration) *StatsService {
	if logger == nil {
		logger = logrus.New()
	}
	return &StatsService{
		db:         db,
		logger:     logger,
		queue:      queue,
		staleAfter: staleAfter,
	}
}

// Start 按 cron 表达式启动每日汇总任务
func (s *StatsService) Start(schedule string) error {
	if s.cron != nil {
		return errors.New("stats scheduler already started")
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		ctx := context.Background()
		yesterday := time.Now().AddDate(0, 0, -1)
		if err := s.RollupDay(ctx, yesterday); err != nil {
			s.logger.WithError(err).Error("Daily stats rollup failed")
		}
		s.observeQueue(ctx)
	}); err != nil {
		return fmt.Errorf("schedule stats job: %w", err)
	}
	c.Start()
	s.cron = c
	s.logger.Infof("Stats scheduler started with schedule %q", schedule)
	return nil
}

// Stop 停止定时任务
func (s *StatsService) Stop() {
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
}

// RollupDay 汇总某一天的统计并写入（或覆盖）日报记录
func (s *StatsService) RollupDay(ctx context.Context, day time.Time) error {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.AddDate(0, 0, 1)

	db := s.db.WithContext(ctx)
	stats := models.DailyStats{Date: start}

	count := func(query *gorm.DB, dest *int, what string) error {
		var n int64
		if err := query.Count(&n).Error; err != nil {
			return fmt.Errorf("count %s: %w", what, err)
		}
		*dest = int(n)
		return nil
	}

	if err := count(db.Model(&models.ChatSession{}).
		Where("created_at >= ? AND created_at < ?", start, end),
		&stats.TotalSessions, "sessions"); err != nil {
		return err
	}
	if err := count(db.Model(&models.ChatSession{}).
		Where("created_at >= ? AND created_at < ? AND agent_id IS NOT NULL", start, end),
		&stats.AssignedSessions, "assigned sessions"); err != nil {
		return err
	}
	if err := count(db.Model(&models.ChatSession{}).
		Where("closed_at >= ? AND closed_at < ?", start, end),
		&stats.ClosedSessions, "closed sessions"); err != nil {
		return err
	}
	if err := count(db.Model(&models.Message{}).
		Where("created_at >= ? AND created_at < ?", start, end),
		&stats.TotalMessages, "messages"); err != nil {
		return err
	}
	if err := count(db.Model(&models.Trip{}).
		Where("created_at >= ? AND created_at < ?", start, end),
		&stats.TotalTrips, "trips"); err != nil {
		return err
	}
	if err := count(db.Model(&models.ShipmentRequest{}).
		Where("created_at >= ? AND created_at < ?", start, end),
		&stats.TotalRequests, "requests"); err != nil {
		return err
	}

	var existing models.DailyStats
	err := db.First(&existing, "date = ?", start).Error
	switch {
	case err == nil:
		stats.ID = existing.ID
		if err := db.Model(&existing).Updates(map[string]interface{}{
			"total_sessions":    stats.TotalSessions,
			"total_messages":    stats.TotalMessages,
			"assigned_sessions": stats.AssignedSessions,
			"closed_sessions":   stats.ClosedSessions,
			"total_trips":       stats.TotalTrips,
			"total_requests":    stats.TotalRequests,
		}).Error; err != nil {
			return fmt.Errorf("update daily stats: %w", err)
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := db.Create(&stats).Error; err != nil {
			return fmt.Errorf("create daily stats: %w", err)
		}
	default:
		return fmt.Errorf("load daily stats: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"date":     start.Format("2006-01-02"),
		"sessions": stats.TotalSessions,
		"messages": stats.TotalMessages,
	}).Info("Daily stats rolled up")
	return nil
}

// GetDay 读取某一天的日报
func (s *StatsService) GetDay(ctx context.Context, day time.Time) (*models.DailyStats, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	var stats models.DailyStats
	if err := s.db.WithContext(ctx).First(&stats, "date = ?", start).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load daily stats: %w", err)
	}
	return &stats, nil
}

// 长时间滞留的排队记录只告警，不做自动处置
func (s *StatsService) observeQueue(ctx context.Context) {
	if s.queue == nil || s.staleAfter <= 0 {
		return
	}
	count, err := s.queue.StaleCount(ctx, s.staleAfter)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to count stale queue entries")
		return
	}
	if count > 0 {
		s.logger.Warnf("%d queue entries waiting longer than %s", count, s.staleAfter)
	}
}
