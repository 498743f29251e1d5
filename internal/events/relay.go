package events

import (
	"context"
	"time"

	"carrymate/internal/realtime"

	"github.com/sirupsen/logrus"
)

// Relay 把进程内总线上的事件旁路转发到 kafka。服务层只对总线发布，
// 事件流是否启用对它们透明；转发失败只记日志，绝不影响消息投递。
type Relay struct {
	bus      *realtime.Bus
	producer *Producer
	logger   *logrus.Logger
	sub      *realtime.Subscription
}

// NewRelay 创建总线转发器
func NewRelay(bus *realtime.Bus, producer *Producer, logger *logrus.Logger) *Relay {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Relay{bus: bus, producer: producer, logger: logger}
}

// Start 订阅全量旁路并开始转发
func (r *Relay) Start() {
	r.sub = r.bus.Subscribe(realtime.TopicAll, 256)
	go func() {
		for ev := range r.sub.Events() {
			// 输入中指示高频且短命，不进事件流
			if ev.Type == realtime.EventTyping {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := r.producer.Publish(ctx, ev.Type, ev.SessionID, ev.Data); err != nil {
				r.logger.Warnf("relay %s event: %v", ev.Type, err)
			}
			cancel()
		}
	}()
}

// Stop 停止转发
func (r *Relay) Stop() {
	if r.sub != nil {
		r.sub.Close()
		r.sub = nil
	}
}
