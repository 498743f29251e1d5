package metrics

import (
	"sync"
	"sync/atomic"
)

// rateLimitStats holds counters for rate limit drops (HTTP 429).
// Kept simple/thread-safe for use from middlewares and exposition.
type rateLimitStats struct {
	total    uint64
	mu       sync.Mutex
	byPrefix map[string]uint64
}

var rl rateLimitStats

// IncRateLimitDrop increments drop counters for the given prefix.
// Use prefix "global" for global limiter rejections.
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	atomic.AddUint64(&rl.total, 1)
	rl.mu.Lock()
	if rl.byPrefix == nil {
		rl.byPrefix = make(map[string]uint64)
	}
	rl.byPrefix[prefix]++
	rl.mu.Unlock()
}

// RateLimitSnapshot returns a copy of the current counters.
func RateLimitSnapshot() (total uint64, by map[string]uint64) {
	total = atomic.LoadUint64(&rl.total)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	by = make(map[string]uint64, len(rl.byPrefix))
	for k, v := range rl.byPrefix {
		by[k] = v
	}
	return total, by
}

// chatStats 聊天子系统计数器，供 /metrics 导出
type chatStats struct {
	sessionsCreated  uint64
	sessionsAssigned uint64
	sessionsClosed   uint64
	messagesAppended uint64
	wsConnections    int64
}

var chat chatStats

// IncSessionCreated 会话创建 +1
func IncSessionCreated() { atomic.AddUint64(&chat.sessionsCreated, 1) }

// IncSessionAssigned 会话指派 +1
func IncSessionAssigned() { atomic.AddUint64(&chat.sessionsAssigned, 1) }

// IncSessionClosed 会话关闭 +1
func IncSessionClosed() { atomic.AddUint64(&chat.sessionsClosed, 1) }

// IncMessageAppended 消息追加 +1
func IncMessageAppended() { atomic.AddUint64(&chat.messagesAppended, 1) }

// AddWSConnection WebSocket 连接数增减
func AddWSConnection(delta int64) { atomic.AddInt64(&chat.wsConnections, delta) }

// ChatSnapshot 返回聊天计数器快照
func ChatSnapshot() map[string]interface{} {
	return map[string]interface{}{
		"sessions_created":  atomic.LoadUint64(&chat.sessionsCreated),
		"sessions_assigned": atomic.LoadUint64(&chat.sessionsAssigned),
		"sessions_closed":   atomic.LoadUint64(&chat.sessionsClosed),
		"messages_appended": atomic.LoadUint64(&chat.messagesAppended),
		"ws_connections":    atomic.LoadInt64(&chat.wsConnections),
	}
}
