package metrics

import (
	"sync"
	"testing"
)

func TestIncRateLimitDrop(t *testing.T) {
	// 重置全局状态
	rl = rateLimitStats{}

	tests := []struct {
		name   string
		prefix string
	}{
		{
			name:   "increment with prefix",
			prefix: "test",
		},
		{
			name:   "increment with empty prefix (defaults to global)",
			prefix: "",
		},
		{
			name:   "increment global",
			prefix: "global",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			initialTotal, _ := RateLimitSnapshot()

			IncRateLimitDrop(tt.prefix)

			newTotal, byPrefix := RateLimitSnapshot()
			if newTotal != initialTotal+1 {
				t.Errorf("total = %d, want %d", newTotal, initialTotal+1)
			}

			expectedPrefix := tt.prefix
			if expectedPrefix == "" {
				expectedPrefix = "global"
			}
			if byPrefix[expectedPrefix] == 0 {
				t.Errorf("prefix %s not incremented", expectedPrefix)
			}
		})
	}
}

func TestChatCounters(t *testing.T) {
	// 重置全局状态
	chat = chatStats{}

	IncSessionCreated()
	IncSessionCreated()
	IncSessionAssigned()
	IncSessionClosed()
	IncMessageAppended()
	AddWSConnection(1)
	AddWSConnection(1)
	AddWSConnection(-1)

	snap := ChatSnapshot()
	if got := snap["sessions_created"].(uint64); got != 2 {
		t.Errorf("sessions_created = %d, want 2", got)
	}
	if got := snap["sessions_assigned"].(uint64); got != 1 {
		t.Errorf("sessions_assigned = %d, want 1", got)
	}
	if got := snap["sessions_closed"].(uint64); got != 1 {
		t.Errorf("sessions_closed = %d, want 1", got)
	}
	if got := snap["messages_appended"].(uint64); got != 1 {
		t.Errorf("messages_appended = %d, want 1", got)
	}
	if got := snap["ws_connections"].(int64); got != 1 {
		t.Errorf("ws_connections = %d, want 1", got)
	}
}

func TestChatCounters_Concurrent(t *testing.T) {
	// 重置全局状态
	chat = chatStats{}

	const goroutines = 100
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			IncMessageAppended()
			AddWSConnection(1)
			AddWSConnection(-1)
		}()
	}
	wg.Wait()

	snap := ChatSnapshot()
	if got := snap["messages_appended"].(uint64); got != goroutines {
		t.Errorf("messages_appended = %d, want %d", got, goroutines)
	}
	if got := snap["ws_connections"].(int64); got != 0 {
		t.Errorf("ws_connections = %d, want 0", got)
	}
}
