package admin

import (
	"sync"
	"time"

	"github.com/medibook/realtime-app/internal/protocol"
)

// MaxRecentEvents is the number of emitted admin events retained in memory
// for the ops debug endpoint.
const MaxRecentEvents = 50

// RecentEvent is one emitted admin event with its emit timestamp.
type RecentEvent struct {
	Type protocol.AdminEventType `json:"type"`
	At   int64                   `json:"at"` // unix ms
}

// RecentLog keeps the last N emitted admin events in a fixed-size ring.
// It is goroutine-safe. Events are recorded on emit regardless of how many
// admin connections were present — a zero-member broadcast is still recorded.
type RecentLog struct {
	mu    sync.RWMutex
	items []RecentEvent
	pos   int
	count int
}

// NewRecentLog creates an empty log.
func NewRecentLog() *RecentLog {
	return &RecentLog{
		items: make([]RecentEvent, MaxRecentEvents),
	}
}

// Record appends an event, overwriting the oldest entry when full.
func (l *RecentLog) Record(t protocol.AdminEventType) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.items[l.pos] = RecentEvent{Type: t, At: time.Now().UnixMilli()}
	l.pos = (l.pos + 1) % MaxRecentEvents
	if l.count < MaxRecentEvents {
		l.count++
	}
}

// Events returns the retained events in chronological order, oldest first.
func (l *RecentLog) Events() []RecentEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]RecentEvent, l.count)
	start := (l.pos - l.count + MaxRecentEvents) % MaxRecentEvents
	for i := 0; i < l.count; i++ {
		result[i] = l.items[(start+i)%MaxRecentEvents]
	}
	return result
}
