package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"virlaw/internal/aiclient"
	"virlaw/internal/auth"
	"virlaw/internal/client"
	"virlaw/internal/config"
	"virlaw/internal/storage"
	"virlaw/internal/store"
)

func newTestServer(t *testing.T, aiURL string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

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

	sessionStore := store.NewSQLStore(db, store.NewLocalNotifier())
	clients := client.NewManager(sessionStore, aiclient.New(aiURL, 2*time.Second))
	t.Cleanup(clients.Shutdown)
	authService := auth.NewService(db, nil, time.Hour)

	router := gin.New()
	NewHandler(authService, clients).RegisterRoutes(router)
	return router
}

func ragStub(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":"` + reply + `"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, router *gin.Engine, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return body
}

func registerAndLogin(t *testing.T, router *gin.Engine) (userID, token string) {
	t.Helper()
	creds := map[string]string{"username": "alice", "password": "secret"}
	rec := doJSON(t, router, http.MethodPost, "/api/users/register", "", creds)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, router, http.MethodPost, "/api/users/login", "", creds)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	userID, _ = body["id"].(string)
	token, _ = body["auth_token"].(string)
	if userID == "" || token == "" {
		t.Fatalf("login response incomplete: %v", body)
	}
	return userID, token
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", msg)
}

func TestAuthBoundaries(t *testing.T) {
	srv := ragStub(t, "hi")
	router := newTestServer(t, srv.URL)
	userID, token := registerAndLogin(t, router)

	// no token
	rec := doJSON(t, router, http.MethodGet, "/api/users/"+userID+"/view", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	// someone else's path
	rec = doJSON(t, router, http.MethodGet, "/api/users/other/view", token, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	// happy path
	rec = doJSON(t, router, http.MethodGet, "/api/users/"+userID+"/view", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestSendAndViewFlow(t *testing.T) {
	srv := ragStub(t, "bot reply")
	router := newTestServer(t, srv.URL)
	userID, token := registerAndLogin(t, router)
	base := "/api/users/" + userID

	rec := doJSON(t, router, http.MethodPost, base+"/send", token, map[string]string{"text": "hello there"})
	if rec.Code != http.StatusOK {
		t.Fatalf("send: %d %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	path, _ := body["path"].(string)
	if path == "" || path == "/dashboard/new" {
		t.Fatalf("send from placeholder did not navigate: %q", path)
	}

	// the parked content flushes once the new session is ready; both
	// messages then show up in the view
	waitFor(t, func() bool {
		rec := doJSON(t, router, http.MethodGet, base+"/view", token, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		view, ok := decodeBody(t, rec)["view"].(map[string]interface{})
		if !ok {
			return false
		}
		msgs, _ := view["messages"].([]interface{})
		return len(msgs) == 2
	}, "both messages in the view")

	rec = doJSON(t, router, http.MethodGet, base+"/sessions", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sessions: %d", rec.Code)
	}
	waitFor(t, func() bool {
		rec := doJSON(t, router, http.MethodGet, base+"/sessions", token, nil)
		sessions, _ := decodeBody(t, rec)["sessions"].([]interface{})
		if len(sessions) != 1 {
			return false
		}
		se, _ := sessions[0].(map[string]interface{})
		return se["title"] == "hello there"
	}, "titled session in the sidebar")
}

func TestSessionLifecycleEndpoints(t *testing.T) {
	srv := ragStub(t, "hi")
	router := newTestServer(t, srv.URL)
	userID, token := registerAndLogin(t, router)
	base := "/api/users/" + userID

	rec := doJSON(t, router, http.MethodPost, base+"/sessions", token, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: %d %s", rec.Code, rec.Body.String())
	}
	sessionID, _ := decodeBody(t, rec)["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("no session id returned")
	}

	rec = doJSON(t, router, http.MethodPatch, base+"/sessions/"+sessionID, token, map[string]interface{}{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty patch accepted: %d", rec.Code)
	}
	title := "Renamed"
	rec = doJSON(t, router, http.MethodPatch, base+"/sessions/"+sessionID, token, map[string]interface{}{"title": title})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("rename: %d %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, router, http.MethodPatch, base+"/sessions/"+sessionID, token, map[string]interface{}{"pinned": true})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("pin: %d %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, router, http.MethodPatch, base+"/sessions/missing", token, map[string]interface{}{"pinned": true})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("patch of missing session: %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodDelete, base+"/sessions/"+sessionID, token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, router, http.MethodDelete, base+"/sessions/"+sessionID, token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: %d", rec.Code)
	}
}

func TestSelectionAndBatchDelete(t *testing.T) {
	srv := ragStub(t, "hi")
	router := newTestServer(t, srv.URL)
	userID, token := registerAndLogin(t, router)
	base := "/api/users/" + userID

	var ids []string
	for i := 0; i < 3; i++ {
		rec := doJSON(t, router, http.MethodPost, base+"/sessions", token, nil)
		if rec.Code != http.StatusCreated {
			t.Fatalf("create session %d: %d", i, rec.Code)
		}
		id, _ := decodeBody(t, rec)["session_id"].(string)
		ids = append(ids, id)
	}

	rec := doJSON(t, router, http.MethodPost, base+"/sessions/selection", token, map[string]string{"action": "enter"})
	if rec.Code != http.StatusOK {
		t.Fatalf("enter selection: %d", rec.Code)
	}
	for _, id := range ids[:2] {
		rec = doJSON(t, router, http.MethodPost, base+"/sessions/selection", token,
			map[string]string{"action": "toggle", "session_id": id})
		if rec.Code != http.StatusOK {
			t.Fatalf("toggle: %d", rec.Code)
		}
	}
	rec = doJSON(t, router, http.MethodPost, base+"/sessions/selection", token, map[string]string{"action": "bogus"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bogus action: %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, base+"/sessions/batch-delete", token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("batch delete: %d %s", rec.Code, rec.Body.String())
	}
	waitFor(t, func() bool {
		rec := doJSON(t, router, http.MethodGet, base+"/sessions", token, nil)
		sessions, _ := decodeBody(t, rec)["sessions"].([]interface{})
		return len(sessions) == 1
	}, "one session left")
}

func TestNavigateEndpoint(t *testing.T) {
	srv := ragStub(t, "hi")
	router := newTestServer(t, srv.URL)
	userID, token := registerAndLogin(t, router)
	base := "/api/users/" + userID

	rec := doJSON(t, router, http.MethodPost, base+"/navigate", token, map[string]interface{}{"path": "/dashboard/nope"})
	if rec.Code != http.StatusOK {
		t.Fatalf("navigate: %d %s", rec.Code, rec.Body.String())
	}
	// a dead link self-heals back to the placeholder
	waitFor(t, func() bool {
		rec := doJSON(t, router, http.MethodGet, base+"/view", token, nil)
		body := decodeBody(t, rec)
		return body["path"] == "/dashboard/new"
	}, "redirect to placeholder")

	rec = doJSON(t, router, http.MethodPost, base+"/navigate", token, map[string]interface{}{"path": "  "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("blank path accepted: %d", rec.Code)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	srv := ragStub(t, "hi")
	router := newTestServer(t, srv.URL)
	userID, token := registerAndLogin(t, router)
	base := "/api/users/" + userID

	rec := doJSON(t, router, http.MethodPost, base+"/logout", token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout: %d %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, router, http.MethodGet, base+"/view", token, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("token survived logout: %d", rec.Code)
	}
}

func TestDeleteUserEndpoint(t *testing.T) {
	srv := ragStub(t, "hi")
	router := newTestServer(t, srv.URL)
	userID, token := registerAndLogin(t, router)

	rec := doJSON(t, router, http.MethodDelete, "/api/users/"+userID, token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete user: %d %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, router, http.MethodPost, "/api/users/login", "", map[string]string{"username": "alice", "password": "secret"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("deleted user can still log in: %d", rec.Code)
	}
}

func TestCSRFRequiredForCookieAuth(t *testing.T) {
	srv := ragStub(t, "hi")
	router := newTestServer(t, srv.URL)
	userID, token := registerAndLogin(t, router)

	// cookie-only mutation without the CSRF header is rejected
	req := httptest.NewRequest(http.MethodPost, "/api/users/"+userID+"/sessions", bytes.NewReader(nil))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: "auth_token", Value: token})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without csrf header, got %d", rec.Code)
	}

	// with the double-submit pair it goes through
	req = httptest.NewRequest(http.MethodPost, "/api/users/"+userID+"/sessions", bytes.NewReader(nil))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: "auth_token", Value: token})
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: "match"})
	req.Header.Set("X-CSRF-Token", "match")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 with csrf pair, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestSendRejectsEmpty(t *testing.T) {
	srv := ragStub(t, "hi")
	router := newTestServer(t, srv.URL)
	userID, token := registerAndLogin(t, router)

	rec := doJSON(t, router, http.MethodPost, "/api/users/"+userID+"/send", token, map[string]string{"text": "  "})
	if rec.Code != http.StatusOK {
		t.Fatalf("send: %d", rec.Code)
	}
	view, _ := decodeBody(t, rec)["view"].(map[string]interface{})
	if got, _ := view["send_error"].(string); got != "Please enter a message or select a file." {
		t.Fatalf("send_error = %q", got)
	}
}

func newMultipart(t *testing.T, buf *bytes.Buffer, text, filename, content string) string {
	t.Helper()
	form := multipart.NewWriter(buf)
	if err := form.WriteField("text", text); err != nil {
		t.Fatalf("write text field: %v", err)
	}
	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create file part: %v", err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatalf("write file part: %v", err)
	}
	if err := form.Close(); err != nil {
		t.Fatalf("close form: %v", err)
	}
	return form.FormDataContentType()
}

func TestMultipartSend(t *testing.T) {
	srv := ragStub(t, "summarized")
	router := newTestServer(t, srv.URL)
	userID, token := registerAndLogin(t, router)
	base := "/api/users/" + userID

	var buf bytes.Buffer
	form := newMultipart(t, &buf, "read this", "notes.txt", "some notes")
	req := httptest.NewRequest(http.MethodPost, base+"/send", &buf)
	req.Header.Set("Content-Type", form)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("multipart send: %d %s", rec.Code, rec.Body.String())
	}

	waitFor(t, func() bool {
		rec := doJSON(t, router, http.MethodGet, base+"/view", token, nil)
		view, _ := decodeBody(t, rec)["view"].(map[string]interface{})
		msgs, _ := view["messages"].([]interface{})
		if len(msgs) != 2 {
			return false
		}
		first, _ := msgs[0].(map[string]interface{})
		file, _ := first["file"].(map[string]interface{})
		return file != nil && file["name"] == "notes.txt"
	}, "file message in view")
}
