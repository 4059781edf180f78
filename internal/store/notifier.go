package store

import "sync"

type ChangeKind string

const (
	KindSessionDoc  ChangeKind = "session"
	KindMessages    ChangeKind = "messages"
	KindSessionList ChangeKind = "session_list"
)

// Change describes one mutation scope. Subscriptions re-query and deliver
// a fresh snapshot when a matching change arrives.
type Change struct {
	UserID    string     `json:"user_id"`
	SessionID string     `json:"session_id,omitempty"`
	Kind      ChangeKind `json:"kind"`
}

// Notifier fans change events out to subscription pumps. Publish must not
// block on slow consumers.
type Notifier interface {
	Publish(Change)
	Subscribe(fn func(Change)) (cancel func())
}

// LocalNotifier dispatches changes in-process. It is the notifier for a
// single-instance deployment and for tests.
type LocalNotifier struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]func(Change)
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{handlers: make(map[int]func(Change))}
}

func (n *LocalNotifier) Publish(change Change) {
	n.mu.Lock()
	fns := make([]func(Change), 0, len(n.handlers))
	for _, fn := range n.handlers {
		fns = append(fns, fn)
	}
	n.mu.Unlock()
	for _, fn := range fns {
		fn(change)
	}
}

func (n *LocalNotifier) Subscribe(fn func(Change)) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.handlers[id] = fn
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.handlers, id)
		n.mu.Unlock()
	}
}
