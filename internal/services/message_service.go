package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"carrymate/internal/models"
	"carrymate/internal/realtime"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// MessageService 消息通道服务：追加、历史、订阅、输入中状态与已读回执
type MessageService struct {
	db                *gorm.DB
	logger            *logrus.Logger
	bus               *realtime.Bus
	maxMessageLength  int
	maxAttachmentSize int64
	typingIdleTimeout time.Duration

	typingMu     sync.Mutex
	typingTimers map[string]*time.Timer // key: sessionID+":"+side

	presence TypingMirror
	registry *RegistryService
}

// TypingMirror 输入中状态的带 TTL 外部镜像；redis 实现见 PresenceService
type TypingMirror interface {
	SetTyping(ctx context.Context, sessionID, side string, isTyping bool) error
}

// NewMessageService 创建消息服务
func NewMessageService(db *gorm.DB, logger *logrus.Logger, bus *realtime.Bus, maxMessageLength int, maxAttachmentSize int64, typingIdleTimeout time.Duration) *MessageService {
	if logger == nil {
		logger = logrus.New()
	}
	if maxMessageLength <= 0 {
		maxMessageLength = 1000
	}
	if maxAttachmentSize <= 0 {
		maxAttachmentSize = 10 << 20
	}
	if typingIdleTimeout <= 0 {
		typingIdleTimeout = 3 * time.Second
	}
	return &MessageService{
		db:                db,
		logger:            logger,
		bus:               bus,
		maxMessageLength:  maxMessageLength,
		maxAttachmentSize: maxAttachmentSize,
		typingIdleTimeout: typingIdleTimeout,
		typingTimers:      make(map[string]*time.Timer),
	}
}

// SetPresenceService 注入输入中状态镜像；未注入时输入中状态只走数据库与总线
func (s *MessageService) SetPresenceService(presence TypingMirror) {
	s.presence = presence
}

// SetRegistryService 注入会话注册服务；MarkRead 依赖它清零未读计数
func (s *MessageService) SetRegistryService(registry *RegistryService) {
	s.registry = registry
}

// Sender 消息发送者身份，来自鉴权令牌而非客户端提交
type Sender struct {
	ID   uint
	Name string
	Role string
}

// AttachmentInput 追加消息时携带的附件描述；文件本体已经由上传接口落盘
type AttachmentInput struct {
	URL      string `json:"url" binding:"required"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// Append 向会话追加一条消息。校验先行（空文本、超长、附件过大），
// 然后在一个事务内写入消息并更新会话侧元数据：对侧未读 +1、
// 最后消息时间、清掉发送方的输入中标记。
func (s *MessageService) Append(ctx context.Context, sessionID string, sender Sender, text string, attachments []AttachmentInput) (*models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" && len(attachments) == 0 {
		return nil, ErrEmptyMessage
	}
	if len([]rune(text)) > s.maxMessageLength {
		return nil, ErrMessageTooLong
	}
	for _, att := range attachments {
		if att.Size > s.maxAttachmentSize {
			return nil, ErrAttachmentTooLarge
		}
	}

	now := time.Now()
	message := &models.Message{
		SessionID:  sessionID,
		SenderID:   sender.ID,
		SenderName: sender.Name,
		SenderRole: sender.Role,
		Content:    text,
		Status:     models.MessageSent,
		CreatedAt:  now,
	}
	for _, att := range attachments {
		message.Attachments = append(message.Attachments, models.MessageAttachment{
			URL:      att.URL,
			FileName: att.FileName,
			MimeType: att.MimeType,
			Size:     att.Size,
		})
	}

	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session models.ChatSession
		if err := tx.First(&session, "id = ?", sessionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return fmt.Errorf("load session: %w", err)
		}
		if session.Status == models.SessionClosed {
			return ErrSessionClosed
		}

		if err := tx.Create(message).Error; err != nil {
			return fmt.Errorf("create message: %w", err)
		}

		updates := map[string]interface{}{
			"last_message_at": now,
			"updated_at":      now,
		}
		switch sender.Role {
		case models.RoleCustomer:
			updates["agent_unread"] = gorm.Expr("agent_unread + 1")
			updates["customer_typing"] = false
		case models.RoleAgent:
			updates["customer_unread"] = gorm.Expr("customer_unread + 1")
			updates["agent_typing"] = false
		default:
			// 系统消息计入顾客未读
			updates["customer_unread"] = gorm.Expr("customer_unread + 1")
		}
		if err := tx.Model(&models.ChatSession{}).
			Where("id = ?", sessionID).
			Updates(updates).Error; err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	// 发送即停止输入中：数据库标记已在事务内清掉，镜像也要同步清理，
	// 否则 redis 侧要等 TTL 过期才一致
	if side := sideForSenderRole(sender.Role); side != "" {
		s.cancelTypingTimer(sessionID, side)
		if s.presence != nil {
			if err := s.presence.SetTyping(ctx, sessionID, side, false); err != nil {
				s.logger.WithError(err).Warn("Failed to clear typing state in redis")
			}
		}
	}

	s.publish(realtime.EventMessageCreated, sessionID, message)

	return message, nil
}

// AppendFromClient 实现 realtime.ChatBridge，供 WebSocket 入站帧调用
func (s *MessageService) AppendFromClient(ctx context.Context, sessionID string, ident realtime.Identity, text string) error {
	role := models.RoleCustomer
	if ident.Role == models.RoleAgent {
		role = models.RoleAgent
	}
	_, err := s.Append(ctx, sessionID, Sender{ID: ident.UserID, Name: ident.Name, Role: role}, text, nil)
	return err
}

// History 返回会话的全部消息，附件预加载，按创建时间升序
func (s *MessageService) History(ctx context.Context, sessionID string) ([]models.Message, error) {
	var messages []models.Message
	if err := s.db.WithContext(ctx).
		Preload("Attachments").
		Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").
		Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return messages, nil
}

// Subscribe 订阅会话消息流并返回当前历史快照。先订阅后取快照，
// 保证不漏消息；消费方按消息 ID 去重快照与流之间的交叠。
func (s *MessageService) Subscribe(ctx context.Context, sessionID string, buffer int) (*realtime.Subscription, []models.Message, error) {
	sub := s.bus.Subscribe(realtime.SessionTopic(sessionID), buffer)
	history, err := s.History(ctx, sessionID)
	if err != nil {
		sub.Close()
		return nil, nil, err
	}
	return sub, history, nil
}

// SetTyping 设置一侧的输入中标记。置位后起一个空闲计时器，
// 超时未续期自动清零，客户端断线也不会留下悬挂状态。
func (s *MessageService) SetTyping(ctx context.Context, sessionID, side string, isTyping bool) error {
	var column string
	switch side {
	case models.SideCustomer:
		column = "customer_typing"
	case models.SideAgent:
		column = "agent_typing"
	default:
		return ErrInvalidSide
	}

	res := s.db.WithContext(ctx).Model(&models.ChatSession{}).
		Where("id = ? AND status <> ?", sessionID, models.SessionClosed).
		Update(column, isTyping)
	if res.Error != nil {
		return fmt.Errorf("set typing: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrSessionNotFound
	}

	if s.presence != nil {
		if err := s.presence.SetTyping(ctx, sessionID, side, isTyping); err != nil {
			s.logger.WithError(err).Warn("Failed to mirror typing state to redis")
		}
	}

	if isTyping {
		s.armTypingTimer(sessionID, side)
	} else {
		s.cancelTypingTimer(sessionID, side)
	}

	s.publish(realtime.EventTyping, sessionID, map[string]interface{}{
		"side":      side,
		"is_typing": isTyping,
	})
	return nil
}

// MarkDelivered 把对侧已发出、仍为 sent 的消息标记为已送达。
// 一侧拉取历史即视为送达；已读由 MarkRead 单独推进。
func (s *MessageService) MarkDelivered(ctx context.Context, sessionID, side string) error {
	var otherRole string
	switch side {
	case models.SideCustomer:
		otherRole = models.RoleAgent
	case models.SideAgent:
		otherRole = models.RoleCustomer
	default:
		return ErrInvalidSide
	}

	if err := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("session_id = ? AND sender_role = ? AND status = ?", sessionID, otherRole, models.MessageSent).
		Update("status", models.MessageDelivered).Error; err != nil {
		return fmt.Errorf("mark messages delivered: %w", err)
	}
	return nil
}

// MarkRead 清零一侧未读计数，并把对侧发出的消息标记为已读
func (s *MessageService) MarkRead(ctx context.Context, sessionID, side string) error {
	if s.registry == nil {
		return errors.New("registry service not configured")
	}
	if err := s.registry.MarkRead(ctx, sessionID, side); err != nil {
		return err
	}

	var otherRole string
	switch side {
	case models.SideCustomer:
		otherRole = models.RoleAgent
	case models.SideAgent:
		otherRole = models.RoleCustomer
	default:
		return ErrInvalidSide
	}

	if err := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("session_id = ? AND sender_role = ? AND read = ?", sessionID, otherRole, false).
		Updates(map[string]interface{}{
			"read":   true,
			"status": models.MessageRead,
		}).Error; err != nil {
		return fmt.Errorf("mark messages read: %w", err)
	}
	return nil
}

func (s *MessageService) armTypingTimer(sessionID, side string) {
	key := sessionID + ":" + side
	s.typingMu.Lock()
	defer s.typingMu.Unlock()
	if t, ok := s.typingTimers[key]; ok {
		t.Stop()
	}
	s.typingTimers[key] = time.AfterFunc(s.typingIdleTimeout, func() {
		if err := s.SetTyping(context.Background(), sessionID, side, false); err != nil && !errors.Is(err, ErrSessionNotFound) {
			s.logger.WithError(err).Warn("Failed to expire typing state")
		}
	})
}

func (s *MessageService) cancelTypingTimer(sessionID, side string) {
	key := sessionID + ":" + side
	s.typingMu.Lock()
	defer s.typingMu.Unlock()
	if t, ok := s.typingTimers[key]; ok {
		t.Stop()
		delete(s.typingTimers, key)
	}
}

func (s *MessageService) publish(eventType, sessionID string, data interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(realtime.SessionTopic(sessionID), realtime.Event{
		Type:      eventType,
		SessionID: sessionID,
		Data:      data,
	})
}

func sideForSenderRole(role string) string {
	switch role {
	case models.RoleCustomer:
		return models.SideCustomer
	case models.RoleAgent:
		return models.SideAgent
	}
	return ""
}
