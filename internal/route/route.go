package route

import (
	"strings"
	"sync"
)

// Kind classifies the session identity carried by a route path.
type Kind int

const (
	NoSession Kind = iota
	NewSessionPlaceholder
	ExistingSession
)

// PlaceholderToken is the reserved trailing segment for a not-yet-created
// session.
const PlaceholderToken = "new"

// PlaceholderPath is the route of the new-session placeholder.
const PlaceholderPath = "/dashboard/" + PlaceholderToken

// DashboardPath is the dashboard root, the target after deleting the
// active session.
const DashboardPath = "/dashboard"

// Identity is the resolved session identity of a route. ID is set only
// for ExistingSession.
type Identity struct {
	Kind Kind
	ID   string
}

// staticSegments are peer routes that carry no session identity.
var staticSegments = map[string]struct{}{
	"":              {},
	"dashboard":     {},
	"welcome":       {},
	"settings-help": {},
	"profile":       {},
	"signin":        {},
}

// Resolve classifies a route path into a session identity. Pure: same
// path, same answer, no I/O.
func Resolve(path string) Identity {
	trimmed := strings.Trim(path, "/")
	segment := trimmed
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		segment = trimmed[idx+1:]
	}
	if _, ok := staticSegments[segment]; ok {
		return Identity{Kind: NoSession}
	}
	if segment == PlaceholderToken {
		return Identity{Kind: NewSessionPlaceholder}
	}
	return Identity{Kind: ExistingSession, ID: segment}
}

// SessionPath returns the route for an existing session id.
func SessionPath(sessionID string) string {
	return DashboardPath + "/" + sessionID
}

// Router is the process-local route surface: it holds the current path
// and fans path changes out to subscribers. Replace-navigation swaps the
// top history entry instead of pushing, so the placeholder route cannot
// be returned to after a new session is created.
type Router struct {
	mu      sync.Mutex
	history []string
	nextSub int
	subs    map[int]func(Identity)
}

func NewRouter(initial string) *Router {
	if initial == "" {
		initial = PlaceholderPath
	}
	return &Router{
		history: []string{initial},
		subs:    make(map[int]func(Identity)),
	}
}

// Path reports the current route path.
func (r *Router) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.history[len(r.history)-1]
}

// Identity resolves the current path.
func (r *Router) Identity() Identity {
	return Resolve(r.Path())
}

// Navigate moves to path. With replace set, the current history entry is
// overwritten. Subscribers run synchronously, outside the router lock.
func (r *Router) Navigate(path string, replace bool) {
	r.mu.Lock()
	if path == r.history[len(r.history)-1] {
		r.mu.Unlock()
		return
	}
	if replace {
		r.history[len(r.history)-1] = path
	} else {
		r.history = append(r.history, path)
	}
	subs := make([]func(Identity), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()

	identity := Resolve(path)
	for _, fn := range subs {
		fn(identity)
	}
}

// OnChange registers a callback invoked on every navigation. The returned
// cancel removes the registration.
func (r *Router) OnChange(fn func(Identity)) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}
