package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"carrymate/internal/models"
	"carrymate/internal/realtime"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RegistryService 客服会话注册服务：持有会话状态机，保证每位顾客至多一个开放会话
type RegistryService struct {
	db            *gorm.DB
	logger        *logrus.Logger
	bus           *realtime.Bus
	maxConcurrent int // 每个客服同时处理的会话上限
}

// NewRegistryService 创建会话注册服务
func NewRegistryService(db *gorm.DB, logger *logrus.Logger, bus *realtime.Bus, maxConcurrent int) *RegistryService {
	if logger == nil {
		logger = logrus.New()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	return &RegistryService{
		db:            db,
		logger:        logger,
		bus:           bus,
		maxConcurrent: maxConcurrent,
	}
}

// ResumeOrCreateRequest 打开聊天组件时的入参；身份字段来自鉴权后的令牌
type ResumeOrCreateRequest struct {
	CustomerID   uint   `json:"-"`
	CustomerName string `json:"-"`
	Email        string `json:"-"`
	Department   string `json:"department"`
	Priority     string `json:"priority"`
}

// ResumeOrCreate 返回顾客现有的开放会话；没有则创建 waiting 会话、
// 欢迎语与排队记录（同一事务）。并发重复调用（页面刷新竞态）下先查后建，
// 事务内复核一次；双标签页同时首开仍是已知的弱保证，见 DESIGN.md。
func (s *RegistryService) ResumeOrCreate(ctx context.Context, req *ResumeOrCreateRequest) (*models.ChatSession, bool, error) {
	var existing models.ChatSession
	err := s.db.WithContext(ctx).
		Where("customer_id = ? AND status IN ?", req.CustomerID, []string{models.SessionWaiting, models.SessionActive}).
		First(&existing).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("lookup open session: %w", err)
	}

	priority := req.Priority
	if priority != models.PriorityLow && priority != models.PriorityHigh {
		priority = models.PriorityNormal
	}
	department := req.Department
	if department == "" {
		department = "general"
	}

	now := time.Now()
	session := &models.ChatSession{
		ID:            uuid.NewString(),
		CustomerID:    req.CustomerID,
		CustomerName:  req.CustomerName,
		CustomerEmail: req.Email,
		Status:        models.SessionWaiting,
		Department:    department,
		Priority:      priority,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var resumed *models.ChatSession
	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 事务内复核，尽量收窄创建竞态窗口
		var again models.ChatSession
		if err := tx.Where("customer_id = ? AND status IN ?", req.CustomerID, []string{models.SessionWaiting, models.SessionActive}).
			First(&again).Error; err == nil {
			resumed = &again
			return nil
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if err := tx.Create(session).Error; err != nil {
			return fmt.Errorf("create session: %w", err)
		}

		welcome := &models.Message{
			SessionID:  session.ID,
			SenderRole: models.RoleSystem,
			SenderName: "system",
			Content:    "Welcome to carrymate support! An agent will be with you shortly.",
			Status:     models.MessageSent,
			CreatedAt:  now,
		}
		if err := tx.Create(welcome).Error; err != nil {
			return fmt.Errorf("create welcome message: %w", err)
		}

		entry := &models.QueueEntry{
			SessionID:    session.ID,
			CustomerID:   req.CustomerID,
			CustomerName: req.CustomerName,
			Priority:     priority,
			Department:   department,
			QueuedAt:     now,
		}
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("create queue entry: %w", err)
		}
		return nil
	}); err != nil {
		return nil, false, err
	}
	if resumed != nil {
		return resumed, false, nil
	}

	s.publish(realtime.EventSessionCreated, session.ID, session)
	s.publishQueueChanged()

	s.logger.WithFields(logrus.Fields{
		"session_id":  session.ID,
		"customer_id": req.CustomerID,
		"priority":    priority,
	}).Info("Chat session created")

	return session, true, nil
}

// Assign 客服接受排队中的会话。排队记录的条件删除是序列化点：
// 删除影响行数为 0 即已被其他客服抢先（first writer wins），返回冲突而非重试。
// 并发会话上限在同一事务内核对（而非客户端侧提示）。
func (s *RegistryService) Assign(ctx context.Context, queueEntryID uint, agentID uint, agentName string) (*models.ChatSession, error) {
	var session models.ChatSession

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry models.QueueEntry
		if err := tx.First(&entry, "id = ?", queueEntryID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAlreadyClaimed
			}
			return fmt.Errorf("load queue entry: %w", err)
		}

		// 上限核对与接受动作在同一事务内，关闭源实现的客户端侧竞态
		var activeCount int64
		if err := tx.Model(&models.ChatSession{}).
			Where("agent_id = ? AND status = ?", agentID, models.SessionActive).
			Count(&activeCount).Error; err != nil {
			return fmt.Errorf("count active sessions: %w", err)
		}
		if int(activeCount) >= s.maxConcurrent {
			return ErrAgentAtCapacity
		}

		res := tx.Where("id = ?", entry.ID).Delete(&models.QueueEntry{})
		if res.Error != nil {
			return fmt.Errorf("delete queue entry: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyClaimed
		}

		if err := tx.First(&session, "id = ?", entry.SessionID).Error; err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		if session.Status != models.SessionWaiting {
			return ErrNotAssignable
		}

		now := time.Now()
		if err := tx.Model(&models.ChatSession{}).
			Where("id = ?", session.ID).
			Updates(map[string]interface{}{
				"agent_id":   agentID,
				"agent_name": agentName,
				"status":     models.SessionActive,
				"updated_at": now,
			}).Error; err != nil {
			return fmt.Errorf("update session: %w", err)
		}

		greeting := &models.Message{
			SessionID:  session.ID,
			SenderID:   agentID,
			SenderName: agentName,
			SenderRole: models.RoleSystem,
			Content:    fmt.Sprintf("%s has joined the conversation.", agentName),
			Status:     models.MessageSent,
			CreatedAt:  now,
		}
		if err := tx.Create(greeting).Error; err != nil {
			return fmt.Errorf("create greeting message: %w", err)
		}

		session.AgentID = &agentID
		session.AgentName = &agentName
		session.Status = models.SessionActive
		session.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(realtime.EventSessionAssigned, session.ID, &session)
	s.publishQueueChanged()

	s.logger.Infof("Session %s assigned to agent %d", session.ID, agentID)

	return &session, nil
}

// Transfer 将活跃会话改派给另一名客服；状态不变，不触碰排队
func (s *RegistryService) Transfer(ctx context.Context, sessionID string, newAgentID uint, newAgentName string) (*models.ChatSession, error) {
	var session models.ChatSession

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&session, "id = ?", sessionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return fmt.Errorf("load session: %w", err)
		}
		if session.Status == models.SessionClosed {
			return ErrSessionClosed
		}
		if session.Status != models.SessionActive {
			return ErrNotAssignable
		}
		if session.AgentID != nil && *session.AgentID == newAgentID {
			return nil
		}

		now := time.Now()
		if err := tx.Model(&models.ChatSession{}).
			Where("id = ?", sessionID).
			Updates(map[string]interface{}{
				"agent_id":   newAgentID,
				"agent_name": newAgentName,
				"updated_at": now,
			}).Error; err != nil {
			return fmt.Errorf("update session: %w", err)
		}

		note := &models.Message{
			SessionID:  sessionID,
			SenderID:   newAgentID,
			SenderName: newAgentName,
			SenderRole: models.RoleSystem,
			Content:    fmt.Sprintf("Conversation transferred to %s.", newAgentName),
			Status:     models.MessageSent,
			CreatedAt:  now,
		}
		if err := tx.Create(note).Error; err != nil {
			return fmt.Errorf("create transfer message: %w", err)
		}

		session.AgentID = &newAgentID
		session.AgentName = &newAgentName
		session.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(realtime.EventSessionTransfer, session.ID, &session)

	s.logger.Infof("Session %s transferred to agent %d", sessionID, newAgentID)

	return &session, nil
}

// Close 关闭会话（幂等）：首次生效并追加系统结束语，重复调用为 no-op。
// waiting 状态下关闭会一并清掉排队记录。
func (s *RegistryService) Close(ctx context.Context, sessionID, closedBy string) (*models.ChatSession, error) {
	var session models.ChatSession
	var alreadyClosed bool

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&session, "id = ?", sessionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return fmt.Errorf("load session: %w", err)
		}
		if session.Status == models.SessionClosed {
			alreadyClosed = true
			return nil
		}

		now := time.Now()
		if err := tx.Model(&models.ChatSession{}).
			Where("id = ?", sessionID).
			Updates(map[string]interface{}{
				"status":     models.SessionClosed,
				"closed_by":  closedBy,
				"closed_at":  now,
				"updated_at": now,
			}).Error; err != nil {
			return fmt.Errorf("update session: %w", err)
		}

		// 排队中的会话被关闭时，排队记录随之消失
		if err := tx.Where("session_id = ?", sessionID).Delete(&models.QueueEntry{}).Error; err != nil {
			return fmt.Errorf("delete queue entry: %w", err)
		}

		closing := &models.Message{
			SessionID:  sessionID,
			SenderRole: models.RoleSystem,
			SenderName: "system",
			Content:    "This conversation has been closed. Thanks for contacting carrymate support!",
			Status:     models.MessageSent,
			CreatedAt:  now,
		}
		if err := tx.Create(closing).Error; err != nil {
			return fmt.Errorf("create closing message: %w", err)
		}

		session.Status = models.SessionClosed
		session.ClosedBy = &closedBy
		session.ClosedAt = &now
		session.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	if alreadyClosed {
		return &session, nil
	}

	s.publish(realtime.EventSessionClosed, session.ID, &session)
	s.publishQueueChanged()

	s.logger.Infof("Session %s closed by %s", sessionID, closedBy)

	return &session, nil
}

// MarkRead 清零指定一侧的未读计数；只有副作用，不影响状态机
func (s *RegistryService) MarkRead(ctx context.Context, sessionID, side string) error {
	var column string
	switch side {
	case models.SideCustomer:
		column = "customer_unread"
	case models.SideAgent:
		column = "agent_unread"
	default:
		return ErrInvalidSide
	}

	res := s.db.WithContext(ctx).Model(&models.ChatSession{}).
		Where("id = ?", sessionID).
		Update(column, 0)
	if res.Error != nil {
		return fmt.Errorf("mark read: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrSessionNotFound
	}

	s.publish(realtime.EventRead, sessionID, map[string]interface{}{"side": side})
	return nil
}

// Get 按 ID 取会话
func (s *RegistryService) Get(ctx context.Context, sessionID string) (*models.ChatSession, error) {
	var session models.ChatSession
	if err := s.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &session, nil
}

// ListForAgent 客服当前的活跃会话
func (s *RegistryService) ListForAgent(ctx context.Context, agentID uint) ([]models.ChatSession, error) {
	var sessions []models.ChatSession
	if err := s.db.WithContext(ctx).
		Where("agent_id = ? AND status = ?", agentID, models.SessionActive).
		Order("updated_at DESC").
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("list agent sessions: %w", err)
	}
	return sessions, nil
}

func (s *RegistryService) publish(eventType, sessionID string, data interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(realtime.SessionTopic(sessionID), realtime.Event{
		Type:      eventType,
		SessionID: sessionID,
		Data:      data,
	})
}

func (s *RegistryService) publishQueueChanged() {
	if s.bus == nil {
		return
	}
	s.bus.Publish(realtime.TopicQueue, realtime.Event{Type: realtime.EventQueueChanged})
}
