// Package events fans out per-user file change notifications to SSE clients.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/wpic/wpic/internal/metrics"
)

const (
	EventUpload      = "upload"
	EventDelete      = "delete"
	EventShare       = "share"
	EventShareRevoke = "share_revoke"
	EventStorage     = "storage"
)

// Event is a change to one user's files or storage settings.
type Event struct {
	Type      string `json:"type"`
	UserID    int64  `json:"user_id"`
	FileID    int64  `json:"file_id,omitempty"`
	Filename  string `json:"filename,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Broadcaster manages subscribers and delivers each event to the
// subscribers of the event's user.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]int64
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]int64),
	}
}

// Subscribe registers a listener for userID's events.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe(userID int64) chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = userID
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetEventSubscribers(n)
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetEventSubscribers(n)
}

// Publish delivers event to its user's subscribers. Non-blocking: a slow
// consumer misses events once its buffer is full. A nil Broadcaster
// discards everything.
func (b *Broadcaster) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, userID := range b.subscribers {
		if userID != event.UserID {
			continue
		}
		select {
		case ch <- event:
		default:
		}
	}
	metrics.RecordEvent(event.Type)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
