package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"virlaw/internal/auth"
	"virlaw/internal/client"
	"virlaw/internal/engine"
	"virlaw/internal/models"
	"virlaw/internal/sidebar"
	"virlaw/internal/store"
)

const maxUploadBytes = 10 << 20 // 10 MB

// Handler wires HTTP routes to the per-user client controllers.
type Handler struct {
	auth    *auth.Service
	clients *client.Manager
}

// NewHandler constructs a Handler instance.
func NewHandler(authService *auth.Service, clients *client.Manager) *Handler {
	return &Handler{
		auth:    authService,
		clients: clients,
	}
}

// check token userID is match with param userID
func (h *Handler) requirePathUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.UserIDFromContext(c)
		if !ok || userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		paramID := c.Param("id")
		if paramID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}
		if paramID != userID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user mismatch"})
			return
		}
		c.Next()
	}
}

func (h *Handler) authorizedUserID(c *gin.Context) (string, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return "", false
	}
	return userID, true
}

func (h *Handler) userClient(c *gin.Context) (*client.Client, bool) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return nil, false
	}
	return h.clients.Ensure(userID), true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)
	authMW := h.auth.Middleware()
	userRoutes := api.Group("/users/:id")
	userRoutes.Use(authMW, h.requirePathUser(), h.auth.CSRFMiddleware())
	userRoutes.POST("/navigate", h.navigate)
	userRoutes.GET("/view", h.getView)
	userRoutes.GET("/view/stream", h.streamView)
	userRoutes.POST("/send", h.sendMessage)
	userRoutes.GET("/sessions", h.getSessions)
	userRoutes.GET("/sessions/stream", h.streamSessions)
	userRoutes.POST("/sessions", h.createSession)
	userRoutes.PATCH("/sessions/:session_id", h.updateSession)
	userRoutes.DELETE("/sessions/:session_id", h.deleteSession)
	userRoutes.POST("/sessions/selection", h.updateSelection)
	userRoutes.POST("/sessions/batch-delete", h.batchDeleteSessions)
	userRoutes.POST("/logout", h.logoutUser)
	userRoutes.DELETE("", h.deleteUser)
}

// User create&login interface
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.auth.RegisterUser(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
	})
}

type navigateRequest struct {
	Path    string `json:"path"`
	Replace bool   `json:"replace"`
}

func (h *Handler) navigate(c *gin.Context) {
	cl, ok := h.userClient(c)
	if !ok {
		return
	}
	var req navigateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}
	cl.Router.Navigate(req.Path, req.Replace)
	c.JSON(http.StatusOK, gin.H{
		"path": cl.Router.Path(),
		"view": cl.Engine.State(),
	})
}

func (h *Handler) getView(c *gin.Context) {
	cl, ok := h.userClient(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"path": cl.Router.Path(),
		"view": cl.Engine.State(),
	})
}

func (h *Handler) streamView(c *gin.Context) {
	cl, ok := h.userClient(c)
	if !ok {
		return
	}
	send, ok := sseWriter(c)
	if !ok {
		return
	}

	updates := make(chan engine.ViewState, 1)
	cancel := cl.Engine.OnChange(func(vs engine.ViewState) {
		pushLatest(updates, vs)
	})
	defer cancel()

	if err := send("state", cl.Engine.State()); err != nil {
		return
	}
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case vs := <-updates:
			if err := send("state", vs); err != nil {
				return
			}
		}
	}
}

type sendRequest struct {
	Text string `json:"text"`
}

func (h *Handler) sendMessage(c *gin.Context) {
	cl, ok := h.userClient(c)
	if !ok {
		return
	}

	var (
		text string
		file *models.FileUpload
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		if err := c.Request.ParseMultipartForm(maxUploadBytes); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
			return
		}
		text = c.PostForm("text")
		header, err := c.FormFile("file")
		if err == nil {
			if header.Size > maxUploadBytes {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
				return
			}
			f, err := header.Open()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
				return
			}
			content, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "read file failed"})
				return
			}
			file = &models.FileUpload{
				FileMeta: models.FileMeta{
					Name:     filepath.Base(header.Filename),
					MimeType: header.Header.Get("Content-Type"),
					Size:     header.Size,
				},
				Content: content,
			}
		}
	} else {
		var req sendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		text = req.Text
	}

	// Identity is captured here, at submit time; a navigation racing the
	// send does not redirect the delivery.
	cl.Pipeline.Send(c.Request.Context(), text, file, cl.Router.Identity())
	c.JSON(http.StatusOK, gin.H{
		"path": cl.Router.Path(),
		"view": cl.Engine.State(),
	})
}

func (h *Handler) getSessions(c *gin.Context) {
	cl, ok := h.userClient(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, cl.Sidebar.State())
}

func (h *Handler) streamSessions(c *gin.Context) {
	cl, ok := h.userClient(c)
	if !ok {
		return
	}
	send, ok := sseWriter(c)
	if !ok {
		return
	}

	updates := make(chan sidebar.ListState, 1)
	cancel := cl.Sidebar.OnChange(func(ls sidebar.ListState) {
		pushLatest(updates, ls)
	})
	defer cancel()

	if err := send("sessions", cl.Sidebar.State()); err != nil {
		return
	}
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case ls := <-updates:
			if err := send("sessions", ls); err != nil {
				return
			}
		}
	}
}

func (h *Handler) createSession(c *gin.Context) {
	cl, ok := h.userClient(c)
	if !ok {
		return
	}
	id, err := cl.Sidebar.Create(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"session_id": id,
		"path":       cl.Router.Path(),
	})
}

type sessionPatchRequest struct {
	Title  *string `json:"title"`
	Pinned *bool   `json:"pinned"`
}

func (h *Handler) updateSession(c *gin.Context) {
	cl, ok := h.userClient(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}
	var req sessionPatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Title == nil && req.Pinned == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to update"})
		return
	}
	if req.Title != nil {
		if err := cl.Sidebar.Rename(c.Request.Context(), sessionID, *req.Title); err != nil {
			respondStoreError(c, err)
			return
		}
	}
	if req.Pinned != nil {
		if err := cl.Sidebar.SetPinned(c.Request.Context(), sessionID, *req.Pinned); err != nil {
			respondStoreError(c, err)
			return
		}
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteSession(c *gin.Context) {
	cl, ok := h.userClient(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}
	if err := cl.Sidebar.Delete(c.Request.Context(), sessionID); err != nil {
		respondStoreError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type selectionRequest struct {
	Action    string `json:"action"`
	SessionID string `json:"session_id"`
}

func (h *Handler) updateSelection(c *gin.Context) {
	cl, ok := h.userClient(c)
	if !ok {
		return
	}
	var req selectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	switch req.Action {
	case "enter":
		cl.Sidebar.EnterSelection()
	case "exit":
		cl.Sidebar.ExitSelection()
	case "toggle":
		if req.SessionID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
			return
		}
		cl.Sidebar.ToggleSelected(req.SessionID)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action"})
		return
	}
	c.JSON(http.StatusOK, cl.Sidebar.State())
}

func (h *Handler) batchDeleteSessions(c *gin.Context) {
	cl, ok := h.userClient(c)
	if !ok {
		return
	}
	if err := cl.Sidebar.BatchDelete(c.Request.Context()); err != nil {
		respondStoreError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) logoutUser(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	h.clients.Drop(userID)
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), authToken)
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteUser(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	h.clients.Drop(userID)
	if err := h.auth.DeleteUser(c.Request.Context(), userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func respondStoreError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// sseWriter prepares the response for server-sent events and returns the
// event writer.
func sseWriter(c *gin.Context) (func(event string, payload interface{}) error, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return nil, false
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	send := func(event string, payload interface{}) error {
		var data []byte
		switch v := payload.(type) {
		case string:
			data = []byte(v)
		default:
			var err error
			data, err = json.Marshal(v)
			if err != nil {
				return err
			}
		}
		if event != "" {
			if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	return send, true
}

// pushLatest delivers snap on a capacity-one channel, displacing an
// undelivered older snapshot. The stream always catches up to the newest
// state.
func pushLatest[T any](ch chan T, snap T) {
	for {
		select {
		case ch <- snap:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}
