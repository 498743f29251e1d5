package realtime

import (
	"sync"
	"time"
)

// 事件类型
const (
	EventSessionCreated  = "session.created"
	EventSessionAssigned = "session.assigned"
	EventSessionTransfer = "session.transferred"
	EventSessionClosed   = "session.closed"
	EventMessageCreated  = "message.created"
	EventTyping          = "typing"
	EventRead            = "read"
	EventQueueChanged    = "queue.changed"
)

// 订阅主题：每个会话一个主题，排队走独立主题，"*" 为全量旁路（WebSocket 网关使用）
const (
	TopicQueue = "queue"
	TopicAll   = "*"
)

// SessionTopic 会话主题名
func SessionTopic(sessionID string) string {
	return "session:" + sessionID
}

// Event 总线上的一次推送
type Event struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Bus 进程内发布/订阅总线。订阅者各自独立、可随时退订；
// 慢消费者不阻塞发布方（缓冲写不进即丢弃该订阅者的这次推送，
// 订阅 API 的快照语义保证重订阅后能追平）。
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
}

// NewBus 创建总线
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscription 一个订阅者持有的接收端
type Subscription struct {
	topic string
	ch    chan Event
	bus   *Bus
	once  sync.Once
}

// Events 推送通道，Close 后关闭
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Topic 订阅的主题
func (s *Subscription) Topic() string {
	return s.topic
}

// Close 退订（幂等）
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.ch)
	})
}

// Subscribe 订阅主题；buffer <= 0 时采用默认缓冲
func (b *Bus) Subscribe(topic string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscription{topic: topic, ch: make(chan Event, buffer), bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		// 已关闭的总线返回空订阅，调用方正常 Close 即可
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	set, ok := b.subs[topic]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[topic] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Publish 发布事件：送达主题订阅者与 "*" 旁路订阅者
func (b *Bus) Publish(topic string, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs[topic] {
		select {
		case sub.ch <- ev:
		default:
		}
	}
	if topic != TopicAll {
		for sub := range b.subs[TopicAll] {
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}

// Close 关闭总线并退订所有订阅者
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	all := make([]*Subscription, 0)
	for _, set := range b.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	b.subs = make(map[string]map[*Subscription]struct{})
	b.mu.Unlock()

	for _, sub := range all {
		sub.once.Do(func() { close(sub.ch) })
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[s.topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.topic)
		}
	}
}
