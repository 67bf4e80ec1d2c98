package bonus

import "sync"

// NotificationHub fans wagering updates out to per-player subscribers.
type NotificationHub struct {
	mu          sync.RWMutex
	subscribers map[string][]chan WageringUpdate
}

func NewNotificationHub() *NotificationHub {
	return &NotificationHub{
		subscribers: make(map[string][]chan WageringUpdate),
	}
}

func (h *NotificationHub) Subscribe(playerID string) <-chan WageringUpdate {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan WageringUpdate, 10)
	h.subscribers[playerID] = append(h.subscribers[playerID], ch)
	return ch
}

func (h *NotificationHub) Notify(playerID string, update WageringUpdate) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subscribers[playerID] {
		select {
		case ch <- update:
		default:
			// Channel full, skip (don't block)
		}
	}
}
