package models

import "time"

type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// FileMeta describes an attachment carried on a user message. Only the
// metadata is persisted with the message; the bytes travel to the AI
// endpoint and are never retained.
type FileMeta struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// Message belongs to exactly one session. CreatedAt is the sole ordering
// key; the store assigns it server-side on append.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Sender    Sender    `json:"sender"`
	CreatedAt time.Time `json:"created_at"`
	File      *FileMeta `json:"file,omitempty"`
}

// FileUpload is an in-flight attachment: metadata plus the raw bytes that
// get forwarded to the AI endpoint.
type FileUpload struct {
	FileMeta
	Content []byte
}

// Meta returns the persistable part of the upload, nil-safe.
func (f *FileUpload) Meta() *FileMeta {
	if f == nil {
		return nil
	}
	meta := f.FileMeta
	return &meta
}
