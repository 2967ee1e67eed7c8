package testutils

import (
	"sync"

	"github.com/lessucettes/redlight/internal/alert"
)

// MockNotifier captures alert events handed off by the lookup service.
type MockNotifier struct {
	mu     sync.Mutex
	events []alert.Event

	NotifySignal chan alert.Event
}

func NewMockNotifier(bufferSize int) *MockNotifier {
	return &MockNotifier{NotifySignal: make(chan alert.Event, bufferSize)}
}

func (n *MockNotifier) Notify(ev alert.Event) {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
	n.NotifySignal <- ev
}

func (n *MockNotifier) Events() []alert.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]alert.Event(nil), n.events...)
}
