package services

import "errors"

// 校验类错误：写入前同步拒绝
var (
	ErrEmptyMessage       = errors.New("message must contain text or at least one attachment")
	ErrMessageTooLong     = errors.New("message exceeds maximum length")
	ErrAttachmentTooLarge = errors.New("attachment exceeds maximum size")
	ErrInvalidSide        = errors.New("side must be customer or agent")
)

// 冲突类错误：原子前置条件失败，调用方应刷新视图而非盲目重试
var (
	ErrAlreadyClaimed  = errors.New("queue entry already claimed")
	ErrSessionClosed   = errors.New("session is closed")
	ErrAgentAtCapacity = errors.New("agent is at maximum concurrent sessions")
	ErrNotAssignable   = errors.New("session is not assignable")
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNotFound        = errors.New("record not found")
)
