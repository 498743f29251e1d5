package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	appmetrics "carrymate/internal/metrics"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WSMessage WebSocket 帧
type WSMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	SessionID string      `json:"session_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Identity 连接方身份（由鉴权层解出，不信任客户端自报字段）
type Identity struct {
	UserID uint
	Name   string
	Role   string // customer, agent
}

// ChatBridge Hub 将入站帧转交给聊天服务的窄接口，避免反向依赖
type ChatBridge interface {
	AppendFromClient(ctx context.Context, sessionID string, ident Identity, text string) error
	SetTyping(ctx context.Context, sessionID, side string, isTyping bool) error
	MarkRead(ctx context.Context, sessionID, side string) error
}

// Client 一条 WebSocket 连接
type Client struct {
	ID        string
	SessionID string // 顾客端绑定自己的会话；客服控制台可为空（接收排队事件）
	Ident     Identity
	Conn      *websocket.Conn
	Send      chan WSMessage
	Hub       *Hub

	closeOnce sync.Once
}

// closeSend 关闭发送通道；只允许 Run 循环在注销路径调用。
// 读泵可能正向 Send 回送错误帧，因此其他路径一律不关通道。
func (c *Client) closeSend() {
	c.closeOnce.Do(func() {
		close(c.Send)
	})
}

// Hub WebSocket 连接集散地：注册/注销/广播三通道模型
type Hub struct {
	clients    map[string]*Client
	broadcast  chan WSMessage
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex

	bridge ChatBridge
	logger *logrus.Logger
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 生产环境需要验证源
	},
}

// NewHub 创建 Hub
func NewHub(logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{
		clients:    make(map[string]*Client),
		broadcast:  make(chan WSMessage, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
	}
}

// SetBridge 注入聊天服务桥（可选；未设置时入站帧仅记录日志）
func (h *Hub) SetBridge(b ChatBridge) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.bridge = b
}

// Run 事件循环；AttachBus 后总线事件也会经由广播下发
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.ID] = client
			h.mutex.Unlock()
			appmetrics.AddWSConnection(1)
			h.logger.Infof("Client %s connected (user=%d role=%s)", client.ID, client.Ident.UserID, client.Ident.Role)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				appmetrics.AddWSConnection(-1)
				h.logger.Infof("Client %s disconnected", client.ID)
			}
			h.mutex.Unlock()
			client.closeSend()

		case message := <-h.broadcast:
			h.mutex.Lock()
			for _, client := range h.clients {
				if !h.wants(client, message) {
					continue
				}
				select {
				case client.Send <- message:
				default:
					// 慢消费者：踢出并断开连接，由读泵走注销路径关闭
					// 通道，避免与读泵的错误帧回送竞争
					delete(h.clients, client.ID)
					appmetrics.AddWSConnection(-1)
					if client.Conn != nil {
						client.Conn.Close()
					}
				}
			}
			h.mutex.Unlock()
		}
	}
}

// wants 判断消息是否应投递给该连接
func (h *Hub) wants(client *Client, message WSMessage) bool {
	// 无会话标注的消息（排队刷新等）只发给客服端
	if message.SessionID == "" {
		return client.Ident.Role == "agent"
	}
	if client.SessionID == message.SessionID {
		return true
	}
	// 客服控制台未绑定会话时也接收会话事件，便于多会话列表刷新
	return client.Ident.Role == "agent" && client.SessionID == ""
}

// AttachBus 订阅总线旁路，把服务层事件转为 WebSocket 帧
func (h *Hub) AttachBus(bus *Bus) {
	sub := bus.Subscribe(TopicAll, 256)
	go func() {
		for ev := range sub.Events() {
			h.broadcast <- WSMessage{
				Type:      ev.Type,
				Data:      ev.Data,
				SessionID: ev.SessionID,
				Timestamp: ev.Timestamp,
			}
		}
	}()
}

// HandleConnection 升级连接并启动读写泵；身份与会话绑定由调用方（handler）解出
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request, ident Identity, sessionID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("WebSocket upgrade failed: %v", err)
		return
	}

	client := &Client{
		ID:        fmt.Sprintf("client_%d", time.Now().UnixNano()),
		SessionID: sessionID,
		Ident:     ident,
		Conn:      conn,
		Send:      make(chan WSMessage, 256),
		Hub:       h,
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(4096)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, messageBytes, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Errorf("WebSocket error: %v", err)
			}
			break
		}

		var message WSMessage
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			c.Hub.logger.Errorf("Invalid message format: %v", err)
			continue
		}

		// 会话归属以连接绑定为准，不采信帧内字段
		if c.SessionID != "" {
			message.SessionID = c.SessionID
		}
		message.Timestamp = time.Now()

		c.handleInbound(message)
	}
}

func (c *Client) handleInbound(message WSMessage) {
	c.Hub.mutex.RLock()
	bridge := c.Hub.bridge
	c.Hub.mutex.RUnlock()
	if bridge == nil {
		c.Hub.logger.WithFields(logrus.Fields{
			"client_id": c.ID,
			"type":      message.Type,
		}).Debug("Chat bridge not configured; dropping inbound frame")
		return
	}
	if message.SessionID == "" {
		c.Hub.logger.Warnf("Inbound %s frame without session binding from client %s", message.Type, c.ID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	side := sideForRole(c.Ident.Role)

	switch message.Type {
	case "text-message":
		text := extractContent(message.Data)
		if err := bridge.AppendFromClient(ctx, message.SessionID, c.Ident, text); err != nil {
			// 校验/冲突类错误回送给发起方，不广播
			c.Send <- WSMessage{
				Type:      "error",
				Data:      map[string]interface{}{"message": err.Error(), "op": "text-message"},
				SessionID: message.SessionID,
				Timestamp: time.Now(),
			}
		}
	case "typing":
		isTyping := false
		if m, ok := message.Data.(map[string]interface{}); ok {
			isTyping, _ = m["is_typing"].(bool)
		}
		if err := bridge.SetTyping(ctx, message.SessionID, side, isTyping); err != nil {
			c.Hub.logger.Warnf("set typing: %v", err)
		}
	case "read":
		if err := bridge.MarkRead(ctx, message.SessionID, side); err != nil {
			c.Hub.logger.Warnf("mark read: %v", err)
		}
	default:
		c.Hub.logger.Warnf("Unknown message type: %s", message.Type)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteJSON(message); err != nil {
				c.Hub.logger.Errorf("WriteJSON error: %v", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendToSession 定向向某会话的连接推送
func (h *Hub) SendToSession(sessionID string, message WSMessage) {
	h.broadcast <- WSMessage{
		Type:      message.Type,
		Data:      message.Data,
		SessionID: sessionID,
		Timestamp: time.Now(),
	}
}

// GetClientCount 当前连接数
func (h *Hub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func sideForRole(role string) string {
	if role == "agent" {
		return "agent"
	}
	return "customer"
}

func extractContent(data interface{}) string {
	switch v := data.(type) {
	case map[string]interface{}:
		if s, ok := v["content"].(string); ok {
			return s
		}
	case string:
		return v
	}
	return ""
}
