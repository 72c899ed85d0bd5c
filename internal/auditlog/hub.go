package auditlog

import (
	"sync"

	"aegiscdr/internal/models"
)

// NotificationKind says which mutation produced a notification.
type NotificationKind string

const (
	KindAppend NotificationKind = "append"
	KindClear  NotificationKind = "clear"
)

// Notification signals that the log changed. Entry is set for appends.
type Notification struct {
	Kind  NotificationKind  `json:"kind"`
	Entry *models.LogEntry `json:"entry,omitempty"`
}

const subscriberBuffer = 32

type hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Notification
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan Notification)}
}

func (h *hub) subscribe() (<-chan Notification, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan Notification, subscriberBuffer)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// broadcast never blocks; a full subscriber drops the notification.
func (h *hub) broadcast(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- n:
		default:
		}
	}
}
