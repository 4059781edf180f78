package models

// PendingSend is content queued to be delivered once a just-created
// session's real identity becomes the active route. Process-local, never
// persisted, cleared unconditionally after the flush attempt.
type PendingSend struct {
	SessionID string
	Text      string
	File      *FileUpload
}
