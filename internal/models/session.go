package models

import "time"

// DefaultSessionTitle is the title every session starts with. The send
// pipeline derives the real title from the first message sent while the
// title still equals this value.
const DefaultSessionTitle = "New Chat"

// Session is one persisted query thread. Identity is assigned by the store
// on creation and treated as opaque by everything else.
type Session struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	Pinned      bool      `json:"pinned"`
	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
}
