package sidebar

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"virlaw/internal/models"
	"virlaw/internal/route"
	"virlaw/internal/store"
)

// ListState is the published view of the session list: the live ordered
// snapshot plus the local selection-mode state.
type ListState struct {
	Sessions  []models.Session `json:"sessions"`
	LoadErr   string           `json:"load_error,omitempty"`
	Selecting bool             `json:"selecting"`
	Selected  []string         `json:"selected,omitempty"`
}

// Controller owns the live session list for one user and the operations
// on it. Ordering comes entirely from the store snapshot (pinned first,
// most recently updated first); the controller never re-sorts.
type Controller struct {
	store  store.Adapter
	router *route.Router
	userID string

	mu        sync.Mutex
	sessions  []models.Session
	loadErr   string
	selecting bool
	selected  map[string]struct{}
	sub       *store.SessionListSub
	done      chan struct{}

	nextWatcher int
	watchers    map[int]func(ListState)
}

func New(st store.Adapter, router *route.Router, userID string) *Controller {
	return &Controller{
		store:    st,
		router:   router,
		userID:   userID,
		sessions: make([]models.Session, 0),
		selected: make(map[string]struct{}),
		watchers: make(map[int]func(ListState)),
	}
}

// Start opens the list subscription. Repeated calls are no-ops.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.sub != nil {
		c.mu.Unlock()
		return
	}
	c.sub = c.store.SubscribeSessionList(c.userID)
	c.done = make(chan struct{})
	sub, done := c.sub, c.done
	c.mu.Unlock()

	go func() {
		for {
			select {
			case <-done:
				return
			case ev := <-sub.Events:
				c.applyListEvent(ev)
			}
		}
	}()
}

// Stop tears the subscription down. Idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.sub != nil {
		c.sub.Unsubscribe()
		c.sub = nil
	}
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	c.mu.Unlock()
}

// OnChange registers a callback invoked after every list or selection
// change, outside the controller lock. The returned cancel removes the
// registration.
func (c *Controller) OnChange(fn func(ListState)) func() {
	c.mu.Lock()
	id := c.nextWatcher
	c.nextWatcher++
	c.watchers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

func (c *Controller) applyListEvent(ev store.SessionListEvent) {
	c.mu.Lock()
	if ev.Err != nil {
		// Sticky until the next good snapshot; the stale list stays visible.
		c.loadErr = "Failed to load sessions."
	} else {
		c.sessions = ev.Sessions
		c.loadErr = ""
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
}

// Create makes a fresh untitled session and navigates to it.
func (c *Controller) Create(ctx context.Context) (string, error) {
	id, err := c.store.CreateSession(ctx, c.userID, models.DefaultSessionTitle)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	c.router.Navigate(route.SessionPath(id), false)
	return id, nil
}

// Rename patches a session's title. A blank or unchanged title is a
// silent no-op.
func (c *Controller) Rename(ctx context.Context, sessionID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil
	}
	c.mu.Lock()
	for _, s := range c.sessions {
		if s.ID == sessionID && s.Title == title {
			c.mu.Unlock()
			return nil
		}
	}
	c.mu.Unlock()

	patch := store.SessionPatch{Title: &title}
	if err := c.store.PatchSession(ctx, c.userID, sessionID, patch); err != nil {
		return fmt.Errorf("rename session %s: %w", sessionID, err)
	}
	return nil
}

// SetPinned sets the pin flag to an explicit value. Pinning bumps the
// session to the top of its group because every patch touches
// last_updated.
func (c *Controller) SetPinned(ctx context.Context, sessionID string, pinned bool) error {
	patch := store.SessionPatch{Pinned: &pinned}
	if err := c.store.PatchSession(ctx, c.userID, sessionID, patch); err != nil {
		return fmt.Errorf("pin session %s: %w", sessionID, err)
	}
	return nil
}

// Delete removes one session. When the deleted session is the active
// route identity, navigation falls back to the dashboard root.
func (c *Controller) Delete(ctx context.Context, sessionID string) error {
	if err := c.store.DeleteSession(ctx, c.userID, sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	c.navigateAwayIfActive(map[string]struct{}{sessionID: {}})
	return nil
}

// EnterSelection switches the list into multi-select mode with an empty
// selection.
func (c *Controller) EnterSelection() {
	c.mu.Lock()
	c.selecting = true
	c.selected = make(map[string]struct{})
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
}

// ExitSelection leaves multi-select mode and discards the selection.
func (c *Controller) ExitSelection() {
	c.mu.Lock()
	c.selecting = false
	c.selected = make(map[string]struct{})
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
}

// ToggleSelected flips one id in or out of the selection. Only meaningful
// in selection mode.
func (c *Controller) ToggleSelected(sessionID string) {
	c.mu.Lock()
	if !c.selecting {
		c.mu.Unlock()
		return
	}
	if _, ok := c.selected[sessionID]; ok {
		delete(c.selected, sessionID)
	} else {
		c.selected[sessionID] = struct{}{}
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
}

// BatchDelete removes every selected session in one all-or-nothing store
// call, then clears the selection and leaves selection mode. On failure
// the selection is kept so the user can retry.
func (c *Controller) BatchDelete(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.selected))
	for id := range c.selected {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Strings(ids)

	if len(ids) == 0 {
		c.ExitSelection()
		return nil
	}
	if err := c.store.BatchDeleteSessions(ctx, c.userID, ids); err != nil {
		return fmt.Errorf("batch delete %d sessions: %w", len(ids), err)
	}

	gone := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		gone[id] = struct{}{}
	}
	c.ExitSelection()
	c.navigateAwayIfActive(gone)
	return nil
}

// State returns a copy of the current list state.
func (c *Controller) State() ListState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) navigateAwayIfActive(gone map[string]struct{}) {
	identity := c.router.Identity()
	if identity.Kind != route.ExistingSession {
		return
	}
	if _, ok := gone[identity.ID]; ok {
		c.router.Navigate(route.DashboardPath, false)
	}
}

func (c *Controller) snapshotLocked() ListState {
	sessions := make([]models.Session, len(c.sessions))
	copy(sessions, c.sessions)
	selected := make([]string, 0, len(c.selected))
	for id := range c.selected {
		selected = append(selected, id)
	}
	sort.Strings(selected)
	return ListState{
		Sessions:  sessions,
		LoadErr:   c.loadErr,
		Selecting: c.selecting,
		Selected:  selected,
	}
}

func (c *Controller) notify(snap ListState) {
	c.mu.Lock()
	watchers := make([]func(ListState), 0, len(c.watchers))
	for _, fn := range c.watchers {
		watchers = append(watchers, fn)
	}
	c.mu.Unlock()
	for _, fn := range watchers {
		fn(snap)
	}
}
