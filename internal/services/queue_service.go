package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"carrymate/internal/models"
	"carrymate/internal/realtime"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// QueueService 排队视图服务：排序、名次与预计等待时间都在读取时计算，
// 排队表本身只存入队事实
type QueueService struct {
	db              *gorm.DB
	logger          *logrus.Logger
	bus             *realtime.Bus
	waitPerPosition time.Duration // 每个名次折算的预计等待
}

// NewQueueService 创建排队服务
func NewQueueService(db *gorm.DB, logger *logrus.Logger, bus *realtime.Bus, waitPerPosition time.Duration) *QueueService {
	if logger == nil {
		logger = logrus.New()
	}
	if waitPerPosition <= 0 {
		waitPerPosition = 2 * time.Minute
	}
	return &QueueService{
		db:              db,
		logger:          logger,
		bus:             bus,
		waitPerPosition: waitPerPosition,
	}
}

// QueuePosition 排队记录加上计算出的名次与预计等待
type QueuePosition struct {
	Entry         models.QueueEntry `json:"entry"`
	Position      int               `json:"position"`
	EstimatedWait time.Duration     `json:"estimated_wait"`
}

func priorityRank(priority string) int {
	switch priority {
	case models.PriorityHigh:
		return 0
	case models.PriorityNormal:
		return 1
	default:
		return 2
	}
}

func queueLess(a, b models.QueueEntry) bool {
	ra, rb := priorityRank(a.Priority), priorityRank(b.Priority)
	if ra != rb {
		return ra < rb
	}
	if !a.QueuedAt.Equal(b.QueuedAt) {
		return a.QueuedAt.Before(b.QueuedAt)
	}
	return a.ID < b.ID
}

// 稳定插入排序；队列规模小，比较次数不是问题
func sortQueue(entries []models.QueueEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && queueLess(entries[j], entries[j-1]); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// List 返回排好序的完整队列：优先级高者在前，同级按入队时间先到先得。
// 名次从 1 开始，预计等待 = 名次 × waitPerPosition。
func (s *QueueService) List(ctx context.Context) ([]QueuePosition, error) {
	var entries []models.QueueEntry
	if err := s.db.WithContext(ctx).
		Order("queued_at ASC, id ASC").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}

	sortQueue(entries)

	positions := make([]QueuePosition, 0, len(entries))
	for i, entry := range entries {
		positions = append(positions, QueuePosition{
			Entry:         entry,
			Position:      i + 1,
			EstimatedWait: time.Duration(i+1) * s.waitPerPosition,
		})
	}
	return positions, nil
}

// PositionOf 查询单个会话当前的排队名次
func (s *QueueService) PositionOf(ctx context.Context, sessionID string) (*QueuePosition, error) {
	positions, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Entry.SessionID == sessionID {
			return &positions[i], nil
		}
	}
	return nil, ErrNotFound
}

// Watch 订阅排队变更通知；事件只表示"队列变了"，内容由消费方重新拉取
func (s *QueueService) Watch(buffer int) *realtime.Subscription {
	return s.bus.Subscribe(realtime.TopicQueue, buffer)
}

// StaleCount 统计排队超过 cutoff 的记录数；cutoff<=0 表示未启用，返回 0
func (s *QueueService) StaleCount(ctx context.Context, cutoff time.Duration) (int64, error) {
	if cutoff <= 0 {
		return 0, nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.QueueEntry{}).
		Where("queued_at < ?", time.Now().Add(-cutoff)).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count stale entries: %w", err)
	}
	return count, nil
}

// EntryBySession 按会话 ID 查排队记录
func (s *QueueService) EntryBySession(ctx context.Context, sessionID string) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	if err := s.db.WithContext(ctx).First(&entry, "session_id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load queue entry: %w", err)
	}
	return &entry, nil
}
