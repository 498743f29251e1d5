package events

import (
	"context"
	"encoding/json"
	"time"

	"carrymate/internal/config"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// PaymentEvent 支付网关发出的购买结果事件。
// 本服务只消费"购买成功 -> 入账 N 枚代币"这一边界，网关细节不在范围内。
type PaymentEvent struct {
	EventID   string    `json:"event_id"`
	Type      string    `json:"type"` // purchase.succeeded, purchase.failed
	UserID    uint      `json:"user_id"`
	Tokens    int       `json:"tokens"`
	Timestamp time.Time `json:"timestamp"`
}

// TokenCreditor 钱包侧的窄接口
type TokenCreditor interface {
	Credit(ctx context.Context, userID uint, amount int, reason, reference string) error
}

// PaymentsConsumer 消费支付事件并入账代币
type PaymentsConsumer struct {
	reader *kafka.Reader
	wallet TokenCreditor
	logger *logrus.Logger
}

// NewPaymentsConsumer 创建支付事件消费者
func NewPaymentsConsumer(cfg config.KafkaConfig, wallet TokenCreditor, logger *logrus.Logger) *PaymentsConsumer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        []string{cfg.Broker},
		Topic:          cfg.PaymentsTopic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 100 * time.Millisecond,
		StartOffset:    kafka.LastOffset,
		MaxWait:        100 * time.Millisecond,
	})
	return &PaymentsConsumer{reader: reader, wallet: wallet, logger: logger}
}

// Start 循环消费直到 ctx 取消；入账按 event_id 幂等（钱包侧按流水号去重）
func (c *PaymentsConsumer) Start(ctx context.Context) {
	go func() {
		defer c.reader.Close()
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("Payments consumer stopping")
				return
			default:
				m, err := c.reader.ReadMessage(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					c.logger.Errorf("read payment event: %v", err)
					continue
				}
				c.handle(ctx, m.Value)
			}
		}
	}()
}

func (c *PaymentsConsumer) handle(ctx context.Context, value []byte) {
	var event PaymentEvent
	if err := json.Unmarshal(value, &event); err != nil {
		c.logger.Errorf("decode payment event: %v", err)
		return
	}
	if event.Type != "purchase.succeeded" {
		return
	}
	if event.UserID == 0 || event.Tokens <= 0 {
		c.logger.Warnf("ignoring malformed payment event %s", event.EventID)
		return
	}

	if err := c.wallet.Credit(ctx, event.UserID, event.Tokens, "purchase", event.EventID); err != nil {
		c.logger.Errorf("credit tokens for user %d: %v", event.UserID, err)
		return
	}
	c.logger.WithFields(logrus.Fields{
		"user_id":  event.UserID,
		"tokens":   event.Tokens,
		"event_id": event.EventID,
	}).Info("Tokens credited from payment event")
}
