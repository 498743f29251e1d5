package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// 客服在线状态取值
const (
	PresenceOnline  = "online"
	PresenceAway    = "away"
	PresenceOffline = "offline"
)

// PresenceService 基于 Redis TTL 的客服在线状态与输入中状态镜像。
// 心跳续期，断线后键自然过期，不需要清理任务。
type PresenceService struct {
	client      *redis.Client
	logger      *logrus.Logger
	presenceTTL time.Duration
	typingTTL   time.Duration
}

// NewPresenceService 创建在线状态服务
func NewPresenceService(client *redis.Client, logger *logrus.Logger, presenceTTL, typingTTL time.Duration) *PresenceService {
	if logger == nil {
		logger = logrus.New()
	}
	if presenceTTL <= 0 {
		presenceTTL = 60 * time.Second
	}
	if typingTTL <= 0 {
		typingTTL = 3 * time.Second
	}
	return &PresenceService{
		client:      client,
		logger:      logger,
		presenceTTL: presenceTTL,
		typingTTL:   typingTTL,
	}
}

// AgentPresence 客服的在线状态快照
type AgentPresence struct {
	AgentID     uint      `json:"agent_id"`
	Status      string    `json:"status"`
	ActiveCount int       `json:"active_count"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

func agentKey(agentID uint) string {
	return fmt.Sprintf("agent:%d:presence", agentID)
}

func typingKey(sessionID, side string) string {
	return fmt.Sprintf("session:%s:typing:%s", sessionID, side)
}

// Heartbeat 写入在线状态并续期；客户端每 TTL/2 调一次
func (s *PresenceService) Heartbeat(ctx context.Context, agentID uint, status string, activeCount int) error {
	if status == "" {
		status = PresenceOnline
	}
	record := AgentPresence{
		AgentID:     agentID,
		Status:      status,
		ActiveCount: activeCount,
		LastSeenAt:  time.Now(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := s.client.Set(ctx, agentKey(agentID), payload, s.presenceTTL).Err(); err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	return nil
}

// Get 读取客服在线状态；键不存在视为离线
func (s *PresenceService) Get(ctx context.Context, agentID uint) (*AgentPresence, error) {
	payload, err := s.client.Get(ctx, agentKey(agentID)).Result()
	if err == redis.Nil {
		return &AgentPresence{AgentID: agentID, Status: PresenceOffline}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get presence: %w", err)
	}
	var record AgentPresence
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return nil, fmt.Errorf("unmarshal presence: %w", err)
	}
	return &record, nil
}

// IsOnline 客服是否在线
func (s *PresenceService) IsOnline(ctx context.Context, agentID uint) (bool, error) {
	record, err := s.Get(ctx, agentID)
	if err != nil {
		return false, err
	}
	return record.Status == PresenceOnline, nil
}

// Offline 主动下线，立即删除键而不是等过期
func (s *PresenceService) Offline(ctx context.Context, agentID uint) error {
	if err := s.client.Del(ctx, agentKey(agentID)).Err(); err != nil {
		return fmt.Errorf("delete presence: %w", err)
	}
	return nil
}

// SetTyping 镜像输入中状态到 Redis；置位带 TTL，自然过期即停止输入
func (s *PresenceService) SetTyping(ctx context.Context, sessionID, side string, isTyping bool) error {
	key := typingKey(sessionID, side)
	if isTyping {
		if err := s.client.Set(ctx, key, "1", s.typingTTL).Err(); err != nil {
			return fmt.Errorf("set typing: %w", err)
		}
		return nil
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("clear typing: %w", err)
	}
	return nil
}

// TypingSides 查询会话当前哪些侧正在输入
func (s *PresenceService) TypingSides(ctx context.Context, sessionID string, sides ...string) ([]string, error) {
	var typing []string
	for _, side := range sides {
		n, err := s.client.Exists(ctx, typingKey(sessionID, side)).Result()
		if err != nil {
			return nil, fmt.Errorf("check typing: %w", err)
		}
		if n > 0 {
			typing = append(typing, side)
		}
	}
	return typing, nil
}
