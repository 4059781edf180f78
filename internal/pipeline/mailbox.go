package pipeline

import (
	"sync"

	"virlaw/internal/models"
)

// mailbox is the single-slot holder for content that must be applied to a
// session once its identity transitions from placeholder to real. take is
// compare-and-clear: it hands the slot out at most once per fill, so the
// level-triggered flush can never replay a send.
type mailbox struct {
	mu      sync.Mutex
	pending *models.PendingSend
}

func (m *mailbox) fill(p models.PendingSend) {
	m.mu.Lock()
	m.pending = &p
	m.mu.Unlock()
}

func (m *mailbox) take(sessionID string) (models.PendingSend, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil || m.pending.SessionID != sessionID {
		return models.PendingSend{}, false
	}
	p := *m.pending
	m.pending = nil
	return p, true
}
