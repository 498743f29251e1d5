package events

import (
	"context"
	"encoding/json"
	"time"

	"carrymate/internal/config"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// Producer 聊天事件出站：消息与会话生命周期各走一个主题
type Producer struct {
	writer        *kafka.Writer
	logger        *logrus.Logger
	messagesTopic string
	sessionsTopic string
}

// NewProducer 创建事件生产者
func NewProducer(cfg config.KafkaConfig, logger *logrus.Logger) *Producer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	writer := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Broker),
		Balancer: &kafka.LeastBytes{},
		// 聊天事件偏好低延迟而非吞吐
		BatchSize:    1,
		BatchTimeout: 0 * time.Millisecond,
		RequiredAcks: 1,
		Async:        false,
	}
	return &Producer{
		writer:        writer,
		logger:        logger,
		messagesTopic: cfg.MessagesTopic,
		sessionsTopic: cfg.SessionsTopic,
	}
}

// Publish 发布一条事件；key 取会话 ID 保证同会话分区内有序
func (p *Producer) Publish(ctx context.Context, eventType, sessionID string, payload interface{}) error {
	body := map[string]interface{}{
		"type":       eventType,
		"session_id": sessionID,
		"data":       payload,
		"timestamp":  time.Now(),
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	topic := p.sessionsTopic
	if eventType == "message.created" {
		topic = p.messagesTopic
	}

	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(sessionID),
		Value: data,
	})
}

// Close 关闭底层 writer
func (p *Producer) Close() error {
	return p.writer.Close()
}
