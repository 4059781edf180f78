package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"virlaw/internal/models"
	"virlaw/internal/route"
	"virlaw/internal/store"
)

// Status is the lifecycle state of the active session view.
type Status int

const (
	Loading Status = iota
	Ready
	NotFound
	AuthRequired
)

func (s Status) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case NotFound:
		return "not_found"
	case AuthRequired:
		return "auth_required"
	default:
		return "unknown"
	}
}

// ViewState is the reconciled view of the active session: remote
// snapshots merged with the transient local state (optimistic inserts,
// response-pending flag, banners).
type ViewState struct {
	Status          Status           `json:"status"`
	Title           string           `json:"title"`
	Messages        []models.Message `json:"messages"`
	LoadErr         string           `json:"load_error,omitempty"`
	SendErr         string           `json:"send_error,omitempty"`
	ResponsePending bool             `json:"response_pending"`
}

// Engine owns the subscription lifecycle for the active session and
// reconciles remote snapshots into view state. It can hold at most one
// live subscription pair: Activate tears down the previous pair before
// opening the next, and every activation carries a generation number so
// late-arriving snapshots from an abandoned session never touch the
// current view.
type Engine struct {
	store  store.Adapter
	router *route.Router

	mu          sync.Mutex
	gen         int
	status      Status
	title       string
	messages    []models.Message
	docErr      string
	msgsErr     string
	sendErr     string
	respPending bool

	sessionSub  *store.SessionSub
	messagesSub *store.MessagesSub
	done        chan struct{}

	nextWatcher int
	watchers    map[int]func(ViewState)
}

func New(st store.Adapter, router *route.Router) *Engine {
	return &Engine{
		store:    st,
		router:   router,
		status:   Ready,
		title:    models.DefaultSessionTitle,
		messages: make([]models.Message, 0),
		watchers: make(map[int]func(ViewState)),
	}
}

// OnChange registers a callback invoked after every state transition,
// outside the engine lock. The returned cancel removes the registration.
func (e *Engine) OnChange(fn func(ViewState)) func() {
	e.mu.Lock()
	id := e.nextWatcher
	e.nextWatcher++
	e.watchers[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.watchers, id)
		e.mu.Unlock()
	}
}

// Activate resets the view and points the engine at a new identity. Any
// previous subscription pair is torn down first.
func (e *Engine) Activate(identity route.Identity, userID string) {
	e.mu.Lock()
	e.teardownLocked()
	e.gen++
	gen := e.gen
	e.resetLocked()

	switch {
	case userID == "":
		e.status = AuthRequired
		e.docErr = "User not authenticated."
	case identity.Kind == route.NoSession, identity.Kind == route.NewSessionPlaceholder:
		// Nothing exists remotely yet; the view is immediately ready.
		e.status = Ready
	default:
		e.status = Loading
		e.done = make(chan struct{})
		e.sessionSub = e.store.SubscribeSession(userID, identity.ID)
		e.messagesSub = e.store.SubscribeMessages(userID, identity.ID)
		go e.consumeSession(gen, identity.ID, e.sessionSub, e.done)
		go e.consumeMessages(gen, e.messagesSub, e.done)
	}
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.notify(snap)
}

// Deactivate unsubscribes both listeners. Idempotent; must run before the
// engine is reused and on teardown so late snapshots are never delivered
// cross-session.
func (e *Engine) Deactivate() {
	e.mu.Lock()
	e.teardownLocked()
	e.gen++
	e.mu.Unlock()
}

func (e *Engine) teardownLocked() {
	if e.sessionSub != nil {
		e.sessionSub.Unsubscribe()
		e.sessionSub = nil
	}
	if e.messagesSub != nil {
		e.messagesSub.Unsubscribe()
		e.messagesSub = nil
	}
	if e.done != nil {
		close(e.done)
		e.done = nil
	}
}

func (e *Engine) resetLocked() {
	e.status = Loading
	e.title = models.DefaultSessionTitle
	e.messages = make([]models.Message, 0)
	e.docErr = ""
	e.msgsErr = ""
	e.sendErr = ""
	e.respPending = false
}

func (e *Engine) consumeSession(gen int, sessionID string, sub *store.SessionSub, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case ev := <-sub.Events:
			e.applySessionEvent(gen, sessionID, ev)
		}
	}
}

func (e *Engine) consumeMessages(gen int, sub *store.MessagesSub, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case ev := <-sub.Events:
			e.applyMessagesEvent(gen, ev)
		}
	}
}

func (e *Engine) applySessionEvent(gen int, sessionID string, ev store.SessionEvent) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	redirect := false
	switch {
	case ev.Err != nil:
		// Sticky until the next good snapshot; loaded data stays put.
		e.docErr = "Failed to load session details."
		if e.status == Loading {
			e.status = Ready
		}
	case ev.Exists:
		title := ev.Session.Title
		if title == "" {
			title = derivedTitle(sessionID)
		}
		e.title = title
		e.docErr = ""
		if e.status == Loading || e.status == NotFound {
			e.status = Ready
		}
	default:
		e.status = NotFound
		e.docErr = "Session not found."
		e.messages = make([]models.Message, 0)
		redirect = true
	}
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.notify(snap)
	if redirect {
		// Self-healing: stale or bad links land on the placeholder.
		e.router.Navigate(route.PlaceholderPath, true)
	}
}

func (e *Engine) applyMessagesEvent(gen int, ev store.MessagesEvent) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	if ev.Err != nil {
		e.msgsErr = "Failed to load messages."
	} else {
		// Full-list replace: the snapshot is the truth, and any synthetic
		// optimistic entry is superseded by simply not being in it.
		e.messages = ev.Messages
		e.msgsErr = ""
	}
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.notify(snap)
}

// AppendLocal inserts an optimistic local message with a synthetic
// identity and a client-clock timestamp, returning the synthetic id for
// the compensating removal on write failure.
func (e *Engine) AppendLocal(text string, file *models.FileMeta) string {
	id := "temp-" + uuid.NewString()
	msg := models.Message{
		ID:        id,
		Text:      text,
		Sender:    models.SenderUser,
		CreatedAt: time.Now().UTC(),
		File:      file,
	}
	e.mu.Lock()
	e.messages = append(e.messages, msg)
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.notify(snap)
	return id
}

// RemoveLocal filters a synthetic entry out of the list. Needed only when
// the persisted write failed, since no superseding snapshot will arrive.
func (e *Engine) RemoveLocal(id string) {
	if id == "" {
		return
	}
	e.mu.Lock()
	kept := e.messages[:0]
	for _, m := range e.messages {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	e.messages = kept
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.notify(snap)
}

// SetResponsePending drives the typing-indicator affordance.
func (e *Engine) SetResponsePending(pending bool) {
	e.mu.Lock()
	e.respPending = pending
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.notify(snap)
}

// SetSendError sets (or, with an empty string, clears) the standing
// send-error banner.
func (e *Engine) SetSendError(msg string) {
	e.mu.Lock()
	e.sendErr = msg
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.notify(snap)
}

// State returns a copy of the current view state.
func (e *Engine) State() ViewState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() ViewState {
	msgs := make([]models.Message, len(e.messages))
	copy(msgs, e.messages)
	loadErr := e.docErr
	if loadErr == "" {
		loadErr = e.msgsErr
	}
	return ViewState{
		Status:          e.status,
		Title:           e.title,
		Messages:        msgs,
		LoadErr:         loadErr,
		SendErr:         e.sendErr,
		ResponsePending: e.respPending,
	}
}

func (e *Engine) notify(snap ViewState) {
	e.mu.Lock()
	watchers := make([]func(ViewState), 0, len(e.watchers))
	for _, fn := range e.watchers {
		watchers = append(watchers, fn)
	}
	e.mu.Unlock()
	for _, fn := range watchers {
		fn(snap)
	}
}

func derivedTitle(sessionID string) string {
	if len(sessionID) > 8 {
		sessionID = sessionID[:8]
	}
	return "Session " + sessionID
}
