package models

import (
	"time"

	"gorm.io/gorm"
)

// 会话状态机：waiting -> active -> closed（waiting 可直接 closed，不允许回退）
const (
	SessionWaiting = "waiting"
	SessionActive  = "active"
	SessionClosed  = "closed"
)

// 会话双方
const (
	SideCustomer = "customer"
	SideAgent    = "agent"
)

// 消息发送方角色
const (
	RoleCustomer = "customer"
	RoleAgent    = "agent"
	RoleSystem   = "system"
)

// 排队优先级
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// 消息投递状态
const (
	MessageSent      = "sent"
	MessageDelivered = "delivered"
	MessageRead      = "read"
)

// 用户模型
type User struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Username  string         `gorm:"unique;not null" json:"username"`
	Email     string         `gorm:"unique;not null" json:"email"`
	Name      string         `json:"name"`
	Phone     string         `json:"phone"`
	Avatar    string         `json:"avatar"`
	Role      string         `gorm:"default:'customer'" json:"role"` // customer, agent, admin
	Status    string         `gorm:"default:'active'" json:"status"` // active, inactive, banned
	LastLogin *time.Time     `json:"last_login"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	// 关联关系
	Trips    []Trip            `gorm:"foreignKey:TravelerID" json:"trips,omitempty"`
	Requests []ShipmentRequest `gorm:"foreignKey:SenderID" json:"requests,omitempty"`
}

// 旅客扩展信息（身份认证状态等）
type TravelerProfile struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	UserID        uint           `gorm:"uniqueIndex" json:"user_id"`
	IDDocumentURL string         `json:"id_document_url"`
	Verified      bool           `gorm:"default:false" json:"verified"`
	VerifiedAt    *time.Time     `json:"verified_at"`
	Bio           string         `gorm:"type:text" json:"bio"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`

	User User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

// 行程：旅客在两国间的航班与可售行李容量
type Trip struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	TravelerID    uint           `gorm:"index" json:"traveler_id"`
	FromCountry   string         `gorm:"not null" json:"from_country"`
	FromCity      string         `json:"from_city"`
	ToCountry     string         `gorm:"not null" json:"to_country"`
	ToCity        string         `json:"to_city"`
	DepartureDate time.Time      `gorm:"index" json:"departure_date"`
	CapacityKg    float64        `gorm:"not null" json:"capacity_kg"`
	ReservedKg    float64        `gorm:"default:0" json:"reserved_kg"`
	PricePerKg    float64        `gorm:"not null" json:"price_per_kg"`
	Currency      string         `gorm:"default:'USD'" json:"currency"`
	Notes         string         `gorm:"type:text" json:"notes"`
	Status        string         `gorm:"default:'open'" json:"status"` // open, full, departed, cancelled
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`

	Traveler User              `gorm:"foreignKey:TravelerID" json:"traveler,omitempty"`
	Requests []ShipmentRequest `gorm:"foreignKey:TripID" json:"requests,omitempty"`
}

// 运送请求：寄件人向某个行程申请携带
type ShipmentRequest struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	TripID      uint           `gorm:"index" json:"trip_id"`
	SenderID    uint           `gorm:"index" json:"sender_id"`
	ItemName    string         `gorm:"not null" json:"item_name"`
	Description string         `gorm:"type:text" json:"description"`
	WeightKg    float64        `gorm:"not null" json:"weight_kg"`
	PhotoURL    string         `json:"photo_url"`
	Status      string         `gorm:"default:'pending'" json:"status"` // pending, accepted, declined, delivered, cancelled
	AcceptedAt  *time.Time     `json:"accepted_at"`
	DeliveredAt *time.Time     `json:"delivered_at"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`

	Trip   Trip `gorm:"foreignKey:TripID" json:"trip,omitempty"`
	Sender User `gorm:"foreignKey:SenderID" json:"sender,omitempty"`
}

// 代币流水：支付成功入账、发起运送请求扣减
type TokenLedger struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"index" json:"user_id"`
	Delta     int       `gorm:"not null" json:"delta"`  // 正数入账，负数扣减
	Reason    string    `json:"reason"`                 // purchase, request_sent, refund, adjustment
	Reference string    `gorm:"index" json:"reference"` // 外部支付流水号等，用于幂等
	CreatedAt time.Time `json:"created_at"`

	User User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

// 客服代理
type Agent struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	UserID        uint           `gorm:"uniqueIndex" json:"user_id"`
	Department    string         `json:"department"`
	Status        string         `gorm:"default:'offline'" json:"status"` // online, away, offline
	MaxConcurrent int            `gorm:"default:5" json:"max_concurrent"` // 最大并发会话数
	TotalSessions int            `gorm:"default:0" json:"total_sessions"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`

	User User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

// 客服会话：一个顾客与至多一名客服
type ChatSession struct {
	ID             string     `gorm:"primaryKey" json:"id"`
	CustomerID     uint       `gorm:"index;not null" json:"customer_id"`
	CustomerName   string     `json:"customer_name"`
	CustomerEmail  string     `json:"customer_email"`
	AgentID        *uint      `gorm:"index" json:"agent_id"`
	AgentName      *string    `json:"agent_name"`
	Status         string     `gorm:"index;default:'waiting'" json:"status"` // waiting, active, closed
	Department     string     `gorm:"default:'general'" json:"department"`
	Priority       string     `gorm:"default:'normal'" json:"priority"`
	LastMessageAt  *time.Time `json:"last_message_at"`
	CustomerUnread int        `gorm:"default:0" json:"customer_unread"`
	AgentUnread    int        `gorm:"default:0" json:"agent_unread"`
	CustomerTyping bool       `gorm:"default:false" json:"customer_typing"`
	AgentTyping    bool       `gorm:"default:false" json:"agent_typing"`
	ClosedBy       *string    `json:"closed_by"`
	ClosedAt       *time.Time `json:"closed_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	// 会话保留历史，正常流程不做硬删除
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Customer User      `gorm:"foreignKey:CustomerID" json:"customer,omitempty"`
	Messages []Message `gorm:"foreignKey:SessionID" json:"messages,omitempty"`
}

// Open 会话是否仍开放（waiting 或 active）
func (s *ChatSession) Open() bool {
	return s.Status == SessionWaiting || s.Status == SessionActive
}

// 排队记录：仅当会话处于 waiting 时存在，接受时在同一事务内删除
type QueueEntry struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	SessionID    string    `gorm:"uniqueIndex;not null" json:"session_id"`
	CustomerID   uint      `gorm:"index" json:"customer_id"`
	CustomerName string    `json:"customer_name"` // 冗余于展示
	Priority     string    `gorm:"default:'normal'" json:"priority"`
	Department   string    `gorm:"default:'general'" json:"department"`
	QueuedAt     time.Time `gorm:"index" json:"queued_at"`

	Session ChatSession `gorm:"foreignKey:SessionID" json:"session,omitempty"`
}

// 消息：创建后不可变，按创建时间排序，自增主键兜底同刻次序
type Message struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	SessionID  string    `gorm:"index;not null" json:"session_id"`
	SenderID   uint      `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	SenderRole string    `gorm:"not null" json:"sender_role"` // customer, agent, system
	Content    string    `gorm:"type:text" json:"content"`
	Status     string    `gorm:"default:'sent'" json:"status"` // sent, delivered, read
	Read       bool      `gorm:"default:false" json:"read"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`

	Session     ChatSession         `gorm:"foreignKey:SessionID" json:"session,omitempty"`
	Attachments []MessageAttachment `gorm:"foreignKey:MessageID" json:"attachments,omitempty"`
}

// 消息附件：仅保存对象存储返回的 URL，不管理上传生命周期
type MessageAttachment struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	MessageID uint      `gorm:"index" json:"message_id"`
	URL       string    `gorm:"not null" json:"url"`
	FileName  string    `json:"file_name"`
	MimeType  string    `json:"mime_type"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// 统计表
type DailyStats struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	Date             time.Time `gorm:"uniqueIndex" json:"date"`
	TotalSessions    int       `gorm:"default:0" json:"total_sessions"`
	TotalMessages    int       `gorm:"default:0" json:"total_messages"`
	AssignedSessions int       `gorm:"default:0" json:"assigned_sessions"`
	ClosedSessions   int       `gorm:"default:0" json:"closed_sessions"`
	TotalTrips       int       `gorm:"default:0" json:"total_trips"`
	TotalRequests    int       `gorm:"default:0" json:"total_requests"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// All 返回需要迁移的全部模型
func All() []interface{} {
	return []interface{}{
		&User{}, &TravelerProfile{}, &Trip{}, &ShipmentRequest{}, &TokenLedger{},
		&Agent{}, &ChatSession{}, &QueueEntry{}, &Message{}, &MessageAttachment{},
		&DailyStats{},
	}
}
