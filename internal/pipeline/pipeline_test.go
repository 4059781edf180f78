package pipeline

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"virlaw/internal/aiclient"
	"virlaw/internal/config"
	"virlaw/internal/engine"
	"virlaw/internal/models"
	"virlaw/internal/route"
	"virlaw/internal/storage"
	"virlaw/internal/store"
)

type fixture struct {
	store  *store.SQLStore
	db     *sql.DB
	router *route.Router
	engine *engine.Engine
	pipe   *Pipeline
}

// newFixture assembles a full send path for one user: sqlite-backed
// store, router wired to re-activate the engine on navigation, and a
// pipeline pointed at aiURL.
func newFixture(t *testing.T, userID, aiURL string) *fixture {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	if userID != "" && userID != "ghost" {
		_, err := db.Exec(`INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, '', ?)`,
			userID, "user-"+userID, time.Now().UTC())
		if err != nil {
			t.Fatalf("insert user: %v", err)
		}
	}

	st := store.NewSQLStore(db, store.NewLocalNotifier())
	router := route.NewRouter(route.PlaceholderPath)
	eng := engine.New(st, router)
	t.Cleanup(eng.Deactivate)
	pipe := New(st, eng, router, aiclient.New(aiURL, 2*time.Second), userID)

	router.OnChange(func(identity route.Identity) {
		eng.Activate(identity, userID)
	})
	eng.Activate(router.Identity(), userID)
	return &fixture{store: st, db: db, router: router, engine: eng, pipe: pipe}
}

func ragStub(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":"` + reply + `"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", msg)
}

func persistedTexts(t *testing.T, db *sql.DB, sessionID string) []string {
	t.Helper()
	rows, err := db.Query(`SELECT text FROM messages WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		t.Fatalf("query messages: %v", err)
	}
	defer rows.Close()
	var texts []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			t.Fatalf("scan: %v", err)
		}
		texts = append(texts, text)
	}
	return texts
}

func TestSendRejectsUnauthenticated(t *testing.T) {
	srv := ragStub(t, "hi")
	f := newFixture(t, "", srv.URL)

	f.pipe.Send(context.Background(), "hello", nil, f.router.Identity())
	if got := f.engine.State().SendErr; got != "You must be logged in to send messages." {
		t.Fatalf("banner = %q", got)
	}
}

func TestSendRejectsEmptyContent(t *testing.T) {
	srv := ragStub(t, "hi")
	f := newFixture(t, "u1", srv.URL)

	f.pipe.Send(context.Background(), "   ", nil, f.router.Identity())
	if got := f.engine.State().SendErr; got != "Please enter a message or select a file." {
		t.Fatalf("banner = %q", got)
	}
	if len(f.engine.State().Messages) != 0 {
		t.Fatalf("rejected send left an optimistic entry")
	}
}

func TestSendToExistingSession(t *testing.T) {
	srv := ragStub(t, "the answer")
	f := newFixture(t, "u1", srv.URL)
	ctx := context.Background()

	id, err := f.store.CreateSession(ctx, "u1", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	f.router.Navigate(route.SessionPath(id), false)
	waitFor(t, func() bool { return f.engine.State().Status == engine.Ready }, "ready")

	f.pipe.Send(ctx, "what is consideration in contract law, explained at length for the title", nil, f.router.Identity())

	texts := persistedTexts(t, f.db, id)
	if len(texts) != 2 {
		t.Fatalf("expected user+bot messages, got %v", texts)
	}
	if texts[0] != "what is consideration in contract law, explained at length for the title" {
		t.Fatalf("user message = %q", texts[0])
	}
	if texts[1] != "the answer" {
		t.Fatalf("bot message = %q", texts[1])
	}

	se, _ := f.store.GetSession(ctx, "u1", id)
	wantTitle := string([]rune(texts[0])[:50]) + "..."
	if se.Title != wantTitle {
		t.Fatalf("title = %q, want %q", se.Title, wantTitle)
	}

	state := f.engine.State()
	if state.SendErr != "" || state.ResponsePending {
		t.Fatalf("dirty state after send: %+v", state)
	}
}

func TestSendKeepsCustomTitle(t *testing.T) {
	srv := ragStub(t, "ok")
	f := newFixture(t, "u1", srv.URL)
	ctx := context.Background()

	id, _ := f.store.CreateSession(ctx, "u1", "")
	custom := "My research"
	f.store.PatchSession(ctx, "u1", id, store.SessionPatch{Title: &custom})
	before, _ := f.store.GetSession(ctx, "u1", id)

	f.router.Navigate(route.SessionPath(id), false)
	waitFor(t, func() bool { return f.engine.State().Status == engine.Ready }, "ready")

	time.Sleep(5 * time.Millisecond)
	f.pipe.Send(ctx, "another question", nil, f.router.Identity())

	after, _ := f.store.GetSession(ctx, "u1", id)
	if after.Title != "My research" {
		t.Fatalf("custom title overwritten: %q", after.Title)
	}
	if !after.LastUpdated.After(before.LastUpdated) {
		t.Fatalf("last_updated not bumped by send")
	}
}

func TestShortTextTitleIsNotTruncated(t *testing.T) {
	srv := ragStub(t, "ok")
	f := newFixture(t, "u1", srv.URL)
	ctx := context.Background()

	id, _ := f.store.CreateSession(ctx, "u1", "")
	f.router.Navigate(route.SessionPath(id), false)
	waitFor(t, func() bool { return f.engine.State().Status == engine.Ready }, "ready")

	f.pipe.Send(ctx, "short question", nil, f.router.Identity())
	se, _ := f.store.GetSession(ctx, "u1", id)
	if se.Title != "short question" {
		t.Fatalf("title = %q", se.Title)
	}
}

func TestFileOnlySendSynthesizesDisplayText(t *testing.T) {
	srv := ragStub(t, "summary")
	f := newFixture(t, "u1", srv.URL)
	ctx := context.Background()

	id, _ := f.store.CreateSession(ctx, "u1", "")
	f.router.Navigate(route.SessionPath(id), false)
	waitFor(t, func() bool { return f.engine.State().Status == engine.Ready }, "ready")

	upload := &models.FileUpload{
		FileMeta: models.FileMeta{Name: "lease.pdf", MimeType: "application/pdf", Size: 9},
		Content:  []byte("pdf bytes"),
	}
	f.pipe.Send(ctx, "", upload, f.router.Identity())

	texts := persistedTexts(t, f.db, id)
	if len(texts) != 2 || texts[0] != "File uploaded: lease.pdf" {
		t.Fatalf("file-only user message = %v", texts)
	}
	se, _ := f.store.GetSession(ctx, "u1", id)
	if se.Title != "File uploaded: lease.pdf" {
		t.Fatalf("title = %q", se.Title)
	}
}

func TestAIStatusErrorBecomesBotMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"quota exceeded"}`))
	}))
	t.Cleanup(srv.Close)
	f := newFixture(t, "u1", srv.URL)
	ctx := context.Background()

	id, _ := f.store.CreateSession(ctx, "u1", "")
	f.router.Navigate(route.SessionPath(id), false)
	waitFor(t, func() bool { return f.engine.State().Status == engine.Ready }, "ready")

	f.pipe.Send(ctx, "hello", nil, f.router.Identity())

	texts := persistedTexts(t, f.db, id)
	if len(texts) != 2 {
		t.Fatalf("expected user+bot messages, got %v", texts)
	}
	bot := texts[1]
	if !strings.HasPrefix(bot, "VirLaw AI:") {
		t.Fatalf("bot message = %q", bot)
	}
	if !strings.Contains(bot, "500") || !strings.Contains(bot, "quota exceeded") {
		t.Fatalf("bot message lacks failure detail: %q", bot)
	}
	if f.engine.State().SendErr != bot {
		t.Fatalf("banner should match synthesized message")
	}
	if f.engine.State().ResponsePending {
		t.Fatalf("pending indicator not cleared on failure")
	}
}

func TestAIUnreachableBecomesBotMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()
	f := newFixture(t, "u1", srv.URL)
	ctx := context.Background()

	id, _ := f.store.CreateSession(ctx, "u1", "")
	f.router.Navigate(route.SessionPath(id), false)
	waitFor(t, func() bool { return f.engine.State().Status == engine.Ready }, "ready")

	f.pipe.Send(ctx, "hello", nil, f.router.Identity())

	texts := persistedTexts(t, f.db, id)
	if len(texts) != 2 {
		t.Fatalf("expected user+bot messages, got %v", texts)
	}
	want := "VirLaw AI: no response from the AI server. Is the backend running?"
	if texts[1] != want {
		t.Fatalf("bot message = %q", texts[1])
	}
}

func TestSendFromPlaceholderCreatesAndFlushes(t *testing.T) {
	srv := ragStub(t, "welcome")
	f := newFixture(t, "u1", srv.URL)
	ctx := context.Background()

	f.pipe.Send(ctx, "first question in a brand new conversation", nil, f.router.Identity())

	// navigation replaced the placeholder with the new session id
	identity := f.router.Identity()
	if identity.Kind != route.ExistingSession {
		t.Fatalf("router not on new session: %q", f.router.Path())
	}
	waitFor(t, func() bool { return f.engine.State().Status == engine.Ready }, "new session ready")

	f.pipe.FlushPending(ctx)

	texts := persistedTexts(t, f.db, identity.ID)
	if len(texts) != 2 {
		t.Fatalf("pending send not delivered: %v", texts)
	}
	if texts[0] != "first question in a brand new conversation" || texts[1] != "welcome" {
		t.Fatalf("delivered texts = %v", texts)
	}
	se, _ := f.store.GetSession(ctx, "u1", identity.ID)
	if se.Title != "first question in a brand new conversation" {
		t.Fatalf("title = %q", se.Title)
	}

	// the mailbox fires at most once per fill
	f.pipe.FlushPending(ctx)
	if texts := persistedTexts(t, f.db, identity.ID); len(texts) != 2 {
		t.Fatalf("duplicate delivery: %v", texts)
	}
}

func TestFlushPendingGates(t *testing.T) {
	srv := ragStub(t, "hi")
	f := newFixture(t, "u1", srv.URL)
	ctx := context.Background()

	id, _ := f.store.CreateSession(ctx, "u1", "")
	f.pipe.mailbox.fill(models.PendingSend{SessionID: id, Text: "parked"})

	// wrong identity: the placeholder is active, nothing is delivered
	f.pipe.FlushPending(ctx)
	if texts := persistedTexts(t, f.db, id); len(texts) != 0 {
		t.Fatalf("flush fired on wrong identity: %v", texts)
	}

	f.router.Navigate(route.SessionPath(id), true)
	waitFor(t, func() bool { return f.engine.State().Status == engine.Ready }, "ready")
	f.pipe.FlushPending(ctx)
	if texts := persistedTexts(t, f.db, id); len(texts) != 2 {
		t.Fatalf("flush did not deliver: %v", texts)
	}
}

func TestMailboxTargetsOnlyItsSession(t *testing.T) {
	var m mailbox
	m.fill(models.PendingSend{SessionID: "a", Text: "x"})
	if _, ok := m.take("b"); ok {
		t.Fatalf("took content for the wrong session")
	}
	pending, ok := m.take("a")
	if !ok || pending.Text != "x" {
		t.Fatalf("take failed: %+v %v", pending, ok)
	}
	if _, ok := m.take("a"); ok {
		t.Fatalf("second take should find the slot empty")
	}
}

func TestCreateFailureRollsBackOptimisticEntry(t *testing.T) {
	srv := ragStub(t, "hi")
	// "ghost" has no users row, so the session insert violates the FK
	f := newFixture(t, "ghost", srv.URL)
	ctx := context.Background()

	f.pipe.Send(ctx, "hello", nil, f.router.Identity())

	state := f.engine.State()
	if state.SendErr != "Failed to create new session. Please try again." {
		t.Fatalf("banner = %q", state.SendErr)
	}
	if len(state.Messages) != 0 {
		t.Fatalf("optimistic entry not rolled back: %+v", state.Messages)
	}
	if f.router.Path() != route.PlaceholderPath {
		t.Fatalf("navigation happened despite create failure: %q", f.router.Path())
	}
}

func TestStoreWriteFailureRollsBack(t *testing.T) {
	srv := ragStub(t, "hi")
	f := newFixture(t, "u1", srv.URL)
	ctx := context.Background()

	id, _ := f.store.CreateSession(ctx, "u1", "")
	f.router.Navigate(route.SessionPath(id), false)
	waitFor(t, func() bool { return f.engine.State().Status == engine.Ready }, "ready")

	// the session disappears between navigation and submit; wait out the
	// engine's self-healing redirect so it cannot wipe the banner below
	if err := f.store.DeleteSession(ctx, "u1", id); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	waitFor(t, func() bool { return f.router.Path() == route.PlaceholderPath }, "redirect")
	f.pipe.Send(ctx, "too late", nil, route.Identity{Kind: route.ExistingSession, ID: id})

	if got := f.engine.State().SendErr; got != "Failed to send message or save session. Please try again." {
		t.Fatalf("banner = %q", got)
	}
	for _, m := range f.engine.State().Messages {
		if strings.HasPrefix(m.ID, "temp-") {
			t.Fatalf("optimistic entry survived failed send")
		}
	}
}
