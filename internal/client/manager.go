package client

import (
	"context"
	"log"
	"sync"

	"virlaw/internal/aiclient"
	"virlaw/internal/engine"
	"virlaw/internal/pipeline"
	"virlaw/internal/route"
	"virlaw/internal/sidebar"
	"virlaw/internal/store"
)

// Client is the assembled per-user controller: one router, one
// synchronization engine, one send pipeline, one sidebar controller,
// all sharing the user's identity and the process-wide store.
type Client struct {
	UserID   string
	Router   *route.Router
	Engine   *engine.Engine
	Pipeline *pipeline.Pipeline
	Sidebar  *sidebar.Controller
}

// Manager creates clients on demand and retires them on logout or
// account deletion. At most one client exists per user id.
type Manager struct {
	store store.Adapter
	ai    *aiclient.Client

	mu      sync.Mutex
	clients map[string]*Client
}

func NewManager(st store.Adapter, ai *aiclient.Client) *Manager {
	return &Manager{
		store:   st,
		ai:      ai,
		clients: make(map[string]*Client),
	}
}

// Ensure returns the user's client, building and wiring it on first use.
func (m *Manager) Ensure(userID string) *Client {
	m.mu.Lock()
	if c, ok := m.clients[userID]; ok {
		m.mu.Unlock()
		return c
	}
	c := m.build(userID)
	m.clients[userID] = c
	m.mu.Unlock()

	// Initial activation happens outside the manager lock: the engine
	// notifies its watchers synchronously.
	c.Engine.Activate(c.Router.Identity(), userID)
	c.Sidebar.Start()
	return c
}

// Get returns the user's client if one exists.
func (m *Manager) Get(userID string) *Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[userID]
}

// Drop retires the user's client: subscriptions are torn down and any
// parked pending send is abandoned with them.
func (m *Manager) Drop(userID string) {
	m.mu.Lock()
	c, ok := m.clients[userID]
	if ok {
		delete(m.clients, userID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	c.Engine.Deactivate()
	c.Sidebar.Stop()
	log.Printf("client for user %s retired", userID)
}

// Shutdown retires every live client.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for id, c := range m.clients {
		clients = append(clients, c)
		delete(m.clients, id)
	}
	m.mu.Unlock()
	for _, c := range clients {
		c.Engine.Deactivate()
		c.Sidebar.Stop()
	}
}

func (m *Manager) build(userID string) *Client {
	router := route.NewRouter(route.PlaceholderPath)
	eng := engine.New(m.store, router)
	pipe := pipeline.New(m.store, eng, router, m.ai, userID)
	sb := sidebar.New(m.store, router, userID)

	// Every navigation re-resolves the identity and re-activates the
	// engine; every activation and engine transition is a flush
	// opportunity for a parked send. The mailbox hands content out once,
	// so overlapping flushes are harmless.
	router.OnChange(func(identity route.Identity) {
		eng.Activate(identity, userID)
		go pipe.FlushPending(context.Background())
	})
	eng.OnChange(func(engine.ViewState) {
		go pipe.FlushPending(context.Background())
	})

	return &Client{
		UserID:   userID,
		Router:   router,
		Engine:   eng,
		Pipeline: pipe,
		Sidebar:  sb,
	}
}
