package store

import (
	"context"
	"errors"
	"sync"

	"virlaw/internal/models"
)

// ErrNotFound is returned when a session addressed by a write or read does
// not exist (or belongs to another user).
var ErrNotFound = errors.New("store: not found")

// SessionEvent is one delivery on a session-document subscription. Exists
// reports whether the document is present; Err carries a transport failure
// for this delivery without terminating the stream.
type SessionEvent struct {
	Exists  bool
	Session models.Session
	Err     error
}

// MessagesEvent carries a full ordered snapshot of a session's messages.
// The store guarantees created-at ascending order; consumers must not
// re-sort or merge.
type MessagesEvent struct {
	Messages []models.Message
	Err      error
}

// SessionListEvent carries a full snapshot of a user's sessions ordered
// pinned-first, last-updated-descending.
type SessionListEvent struct {
	Sessions []models.Session
	Err      error
}

// SessionSub is a live subscription to one session document.
type SessionSub struct {
	Events <-chan SessionEvent
	stop   func()
	once   sync.Once
}

// NewSessionSub builds a subscription handle around an event channel.
// stop runs once, on the first Unsubscribe.
func NewSessionSub(events <-chan SessionEvent, stop func()) *SessionSub {
	if stop == nil {
		stop = func() {}
	}
	return &SessionSub{Events: events, stop: stop}
}

// Unsubscribe tears the subscription down. Safe to call more than once.
func (s *SessionSub) Unsubscribe() {
	s.once.Do(s.stop)
}

// MessagesSub is a live subscription to a session's ordered messages.
type MessagesSub struct {
	Events <-chan MessagesEvent
	stop   func()
	once   sync.Once
}

// NewMessagesSub builds a subscription handle around an event channel.
func NewMessagesSub(events <-chan MessagesEvent, stop func()) *MessagesSub {
	if stop == nil {
		stop = func() {}
	}
	return &MessagesSub{Events: events, stop: stop}
}

func (s *MessagesSub) Unsubscribe() {
	s.once.Do(s.stop)
}

// SessionListSub is a live subscription to a user's session list.
type SessionListSub struct {
	Events <-chan SessionListEvent
	stop   func()
	once   sync.Once
}

// NewSessionListSub builds a subscription handle around an event channel.
func NewSessionListSub(events <-chan SessionListEvent, stop func()) *SessionListSub {
	if stop == nil {
		stop = func() {}
	}
	return &SessionListSub{Events: events, stop: stop}
}

func (s *SessionListSub) Unsubscribe() {
	s.once.Do(s.stop)
}

// SessionPatch is a partial update to a session document. Nil fields are
// left untouched. Every patch bumps last_updated.
type SessionPatch struct {
	Title  *string
	Pinned *bool
}

// Adapter is the contract the core depends on: a remote document store
// with subscribe/query/write primitives. Subscriptions deliver a fresh
// full snapshot on every change (never an incremental diff).
type Adapter interface {
	CreateSession(ctx context.Context, userID, title string) (string, error)
	GetSession(ctx context.Context, userID, sessionID string) (*models.Session, error)
	PatchSession(ctx context.Context, userID, sessionID string, patch SessionPatch) error
	AppendMessage(ctx context.Context, userID, sessionID string, msg models.Message) (string, error)
	DeleteSession(ctx context.Context, userID, sessionID string) error
	BatchDeleteSessions(ctx context.Context, userID string, sessionIDs []string) error

	SubscribeSession(userID, sessionID string) *SessionSub
	SubscribeMessages(userID, sessionID string) *MessagesSub
	SubscribeSessionList(userID string) *SessionListSub
}
