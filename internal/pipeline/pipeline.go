package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"virlaw/internal/aiclient"
	"virlaw/internal/engine"
	"virlaw/internal/models"
	"virlaw/internal/route"
	"virlaw/internal/store"
)

const (
	errMsgNotAuthenticated = "You must be logged in to send messages."
	errMsgEmptySend        = "Please enter a message or select a file."
	errMsgCreateSession    = "Failed to create new session. Please try again."
	errMsgSendFailed       = "Failed to send message or save session. Please try again."
)

const titleLimit = 50

// Pipeline sequences an outgoing send: validation, optimistic insert,
// persistence, title derivation, the AI call, and the reply append.
// Content sent from a placeholder identity is parked in the mailbox and
// flushed once the freshly created session becomes the active route.
type Pipeline struct {
	store   store.Adapter
	engine  *engine.Engine
	router  *route.Router
	ai      *aiclient.Client
	userID  string
	mailbox mailbox
}

func New(st store.Adapter, eng *engine.Engine, router *route.Router, ai *aiclient.Client, userID string) *Pipeline {
	return &Pipeline{
		store:  st,
		engine: eng,
		router: router,
		ai:     ai,
		userID: userID,
	}
}

// Send validates and dispatches one outgoing message. Failures surface as
// banners on the engine; nothing is returned to the caller.
func (p *Pipeline) Send(ctx context.Context, text string, file *models.FileUpload, identity route.Identity) {
	text = strings.TrimSpace(text)
	if p.userID == "" {
		p.engine.SetSendError(errMsgNotAuthenticated)
		return
	}
	if text == "" && file == nil {
		p.engine.SetSendError(errMsgEmptySend)
		return
	}
	p.engine.SetSendError("")

	optimisticID := p.engine.AppendLocal(displayText(text, file), file.Meta())

	if identity.Kind != route.ExistingSession {
		newID, err := p.store.CreateSession(ctx, p.userID, models.DefaultSessionTitle)
		if err != nil {
			p.engine.SetSendError(errMsgCreateSession)
			p.engine.RemoveLocal(optimisticID)
			return
		}
		p.mailbox.fill(models.PendingSend{SessionID: newID, Text: text, File: file})
		// Replace history so the placeholder route cannot be revisited.
		// Delivery resumes via FlushPending once the engine is ready on
		// the new identity.
		p.router.Navigate(route.SessionPath(newID), true)
		return
	}

	p.deliver(ctx, identity.ID, text, file, optimisticID)
}

// FlushPending is the level-triggered consumer of the mailbox: it runs
// the deferred delivery when the parked content's target is the active,
// loaded identity. The mailbox hands its content out once, so concurrent
// triggers cannot double-deliver.
func (p *Pipeline) FlushPending(ctx context.Context) {
	if p.userID == "" {
		return
	}
	identity := p.router.Identity()
	if identity.Kind != route.ExistingSession {
		return
	}
	if p.engine.State().Status == engine.Loading {
		return
	}
	pending, ok := p.mailbox.take(identity.ID)
	if !ok {
		return
	}
	p.deliver(ctx, pending.SessionID, pending.Text, pending.File, "")
}

// deliver runs the shared tail of a send against a real session id:
// title patch, user-message append, AI call, reply append.
func (p *Pipeline) deliver(ctx context.Context, sessionID, text string, file *models.FileUpload, optimisticID string) {
	display := displayText(text, file)

	sess, err := p.store.GetSession(ctx, p.userID, sessionID)
	switch {
	case err == nil:
		patch := store.SessionPatch{}
		if sess.Title == models.DefaultSessionTitle {
			title := truncateTitle(display)
			patch.Title = &title
		}
		if err := p.store.PatchSession(ctx, p.userID, sessionID, patch); err != nil {
			p.abort(optimisticID)
			return
		}
	case errors.Is(err, store.ErrNotFound):
		// Missing document: skip the title patch and let the append
		// report the definitive failure.
	default:
		p.abort(optimisticID)
		return
	}

	userMsg := models.Message{
		Text:   display,
		Sender: models.SenderUser,
		File:   file.Meta(),
	}
	if _, err := p.store.AppendMessage(ctx, p.userID, sessionID, userMsg); err != nil {
		p.abort(optimisticID)
		return
	}

	reply := func() string {
		p.engine.SetResponsePending(true)
		defer p.engine.SetResponsePending(false)
		return p.resolveReply(ctx, text, file)
	}()

	botMsg := models.Message{Text: reply, Sender: models.SenderBot}
	if _, err := p.store.AppendMessage(ctx, p.userID, sessionID, botMsg); err != nil {
		p.engine.SetSendError(errMsgSendFailed)
	}
}

// resolveReply calls the AI endpoint and always returns displayable text:
// the reply on success, a synthesized description of the failure class
// otherwise. Failures additionally raise the send-error banner; they
// never abort the pipeline, so the session keeps a permanent record.
func (p *Pipeline) resolveReply(ctx context.Context, text string, file *models.FileUpload) string {
	reply, err := p.ai.Ask(ctx, text, file)
	if err == nil {
		return reply
	}

	var statusErr *aiclient.StatusError
	var synthesized string
	switch {
	case errors.As(err, &statusErr):
		if statusErr.Message != "" {
			synthesized = fmt.Sprintf("VirLaw AI: failed to get a response (code %d): %s", statusErr.Code, statusErr.Message)
		} else {
			synthesized = fmt.Sprintf("VirLaw AI: failed to get a response (code %d). Please check the AI backend.", statusErr.Code)
		}
	case errors.Is(err, aiclient.ErrNoResponse):
		synthesized = "VirLaw AI: no response from the AI server. Is the backend running?"
	default:
		synthesized = fmt.Sprintf("VirLaw AI: error sending request: %v", err)
	}
	p.engine.SetSendError(synthesized)
	return synthesized
}

func (p *Pipeline) abort(optimisticID string) {
	p.engine.SetSendError(errMsgSendFailed)
	p.engine.RemoveLocal(optimisticID)
}

// displayText is what the user message shows: the prompt, or a synthesized
// line when only a file was sent. It is also what the first-send title is
// derived from, so a file-only first send titles the session after the
// file instead of leaving "New Chat" forever.
func displayText(text string, file *models.FileUpload) string {
	if text == "" && file != nil {
		return "File uploaded: " + file.Name
	}
	return text
}

func truncateTitle(text string) string {
	runes := []rune(text)
	if len(runes) <= titleLimit {
		return text
	}
	return string(runes[:titleLimit]) + "..."
}
