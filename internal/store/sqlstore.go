package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"virlaw/internal/models"
)

// SQLStore implements Adapter over a relational database, with change
// notification fanned out through a Notifier. Writes publish a change
// scoped to {user, session, kind}; each subscription re-queries on a
// matching change and delivers a full snapshot, which preserves the
// snapshot-replace semantics the engine relies on.
type SQLStore struct {
	db       *sql.DB
	notifier Notifier
}

func NewSQLStore(db *sql.DB, notifier Notifier) *SQLStore {
	return &SQLStore{db: db, notifier: notifier}
}

// CreateSession inserts a new empty session and returns its identity.
func (s *SQLStore) CreateSession(ctx context.Context, userID, title string) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	if title == "" {
		title = models.DefaultSessionTitle
	}
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO query_sessions (id, user_id, title, pinned, created_at, last_updated) VALUES (?, ?, ?, 0, ?, ?)`,
		id, userID, title, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	s.notifier.Publish(Change{UserID: userID, Kind: KindSessionList})
	return id, nil
}

// GetSession fetches one session document. Returns ErrNotFound when the
// session does not exist for this user.
func (s *SQLStore) GetSession(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	var se models.Session
	var pinned int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, pinned, created_at, last_updated FROM query_sessions WHERE id = ? AND user_id = ?`,
		sessionID, userID,
	).Scan(&se.ID, &se.UserID, &se.Title, &pinned, &se.CreatedAt, &se.LastUpdated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	se.Pinned = pinned != 0
	return &se, nil
}

// PatchSession applies a partial update. last_updated is bumped on every
// patch so pinned and renamed sessions re-float in the sidebar order.
func (s *SQLStore) PatchSession(ctx context.Context, userID, sessionID string, patch SessionPatch) error {
	sets := []string{"last_updated = ?"}
	args := []interface{}{time.Now().UTC()}
	if patch.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *patch.Title)
	}
	if patch.Pinned != nil {
		sets = append(sets, "pinned = ?")
		pinned := 0
		if *patch.Pinned {
			pinned = 1
		}
		args = append(args, pinned)
	}
	args = append(args, sessionID, userID)
	res, err := s.db.ExecContext(ctx,
		`UPDATE query_sessions SET `+strings.Join(sets, ", ")+` WHERE id = ? AND user_id = ?`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("patch session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("patch rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	s.notifier.Publish(Change{UserID: userID, SessionID: sessionID, Kind: KindSessionDoc})
	s.notifier.Publish(Change{UserID: userID, Kind: KindSessionList})
	return nil
}

// AppendMessage stores a message in the session's sub-collection with a
// server-assigned timestamp and identity.
func (s *SQLStore) AppendMessage(ctx context.Context, userID, sessionID string, msg models.Message) (string, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM query_sessions WHERE id = ? AND user_id = ?)`,
		sessionID, userID,
	).Scan(&exists); err != nil {
		return "", fmt.Errorf("verify session: %w", err)
	}
	if !exists {
		return "", ErrNotFound
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	var fileName, fileType sql.NullString
	var fileSize sql.NullInt64
	if msg.File != nil {
		fileName = sql.NullString{String: msg.File.Name, Valid: true}
		fileType = sql.NullString{String: msg.File.MimeType, Valid: true}
		fileSize = sql.NullInt64{Int64: msg.File.Size, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, sender, text, file_name, file_type, file_size, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, sessionID, string(msg.Sender), msg.Text, fileName, fileType, fileSize, now,
	)
	if err != nil {
		return "", fmt.Errorf("append message: %w", err)
	}
	s.notifier.Publish(Change{UserID: userID, SessionID: sessionID, Kind: KindMessages})
	return id, nil
}

// DeleteSession removes the session document and cascades to its messages
// in one transaction.
func (s *SQLStore) DeleteSession(ctx context.Context, userID, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := deleteSessionTx(ctx, tx, userID, sessionID); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete session: %w", err)
	}
	s.publishSessionGone(userID, sessionID)
	return nil
}

// BatchDeleteSessions removes several sessions atomically: either every
// named session (and its messages) is deleted, or none are.
func (s *SQLStore) BatchDeleteSessions(ctx context.Context, userID string, sessionIDs []string) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	for _, id := range sessionIDs {
		if err := deleteSessionTx(ctx, tx, userID, id); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch delete: %w", err)
	}
	for _, id := range sessionIDs {
		s.publishSessionGone(userID, id)
	}
	return nil
}

func deleteSessionTx(ctx context.Context, tx *sql.Tx, userID, sessionID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM query_sessions WHERE id = ? AND user_id = ?`, sessionID, userID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) publishSessionGone(userID, sessionID string) {
	s.notifier.Publish(Change{UserID: userID, SessionID: sessionID, Kind: KindSessionDoc})
	s.notifier.Publish(Change{UserID: userID, SessionID: sessionID, Kind: KindMessages})
	s.notifier.Publish(Change{UserID: userID, Kind: KindSessionList})
}

// SubscribeSession opens a long-lived subscription to one session
// document. The first event is delivered immediately.
func (s *SQLStore) SubscribeSession(userID, sessionID string) *SessionSub {
	events := make(chan SessionEvent, 1)
	trigger, done, stop := s.pump(func(ch Change) bool {
		return ch.UserID == userID && ch.Kind == KindSessionDoc && ch.SessionID == sessionID
	})
	go func() {
		for {
			se, err := s.GetSession(context.Background(), userID, sessionID)
			ev := SessionEvent{}
			switch {
			case err == nil:
				ev.Exists = true
				ev.Session = *se
			case errors.Is(err, ErrNotFound):
				// delivered as a non-existent document, not an error
			default:
				ev.Err = err
			}
			pushSession(events, ev)
			select {
			case <-trigger:
			case <-done:
				return
			}
		}
	}()
	return &SessionSub{Events: events, stop: stop}
}

// SubscribeMessages opens a long-lived subscription to the session's
// ordered messages. Every event replaces the previous snapshot wholesale.
func (s *SQLStore) SubscribeMessages(userID, sessionID string) *MessagesSub {
	events := make(chan MessagesEvent, 1)
	trigger, done, stop := s.pump(func(ch Change) bool {
		return ch.UserID == userID && ch.Kind == KindMessages && ch.SessionID == sessionID
	})
	go func() {
		for {
			msgs, err := s.queryMessages(sessionID)
			pushMessages(events, MessagesEvent{Messages: msgs, Err: err})
			select {
			case <-trigger:
			case <-done:
				return
			}
		}
	}()
	return &MessagesSub{Events: events, stop: stop}
}

// SubscribeSessionList opens a long-lived subscription to the user's
// session list, ordered pinned-first then last-updated-descending.
func (s *SQLStore) SubscribeSessionList(userID string) *SessionListSub {
	events := make(chan SessionListEvent, 1)
	trigger, done, stop := s.pump(func(ch Change) bool {
		return ch.UserID == userID && ch.Kind == KindSessionList
	})
	go func() {
		for {
			sessions, err := s.querySessionList(userID)
			pushSessionList(events, SessionListEvent{Sessions: sessions, Err: err})
			select {
			case <-trigger:
			case <-done:
				return
			}
		}
	}()
	return &SessionListSub{Events: events, stop: stop}
}

// pump wires a notifier subscription to a coalescing trigger channel. The
// returned stop both detaches from the notifier and terminates the
// snapshot loop.
func (s *SQLStore) pump(match func(Change) bool) (trigger chan struct{}, done chan struct{}, stop func()) {
	trigger = make(chan struct{}, 1)
	done = make(chan struct{})
	cancel := s.notifier.Subscribe(func(ch Change) {
		if !match(ch) {
			return
		}
		select {
		case trigger <- struct{}{}:
		default:
		}
	})
	stop = func() {
		cancel()
		close(done)
	}
	return trigger, done, stop
}

func (s *SQLStore) queryMessages(sessionID string) ([]models.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, sender, text, file_name, file_type, file_size, created_at
		 FROM messages WHERE session_id = ? ORDER BY created_at ASC, id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var m models.Message
		var sender string
		var fileName, fileType sql.NullString
		var fileSize sql.NullInt64
		if err := rows.Scan(&m.ID, &m.SessionID, &sender, &m.Text, &fileName, &fileType, &fileSize, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Sender = models.Sender(sender)
		if fileName.Valid {
			m.File = &models.FileMeta{Name: fileName.String, MimeType: fileType.String, Size: fileSize.Int64}
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *SQLStore) querySessionList(userID string) ([]models.Session, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, title, pinned, created_at, last_updated
		 FROM query_sessions WHERE user_id = ? ORDER BY pinned DESC, last_updated DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]models.Session, 0)
	for rows.Next() {
		var se models.Session
		var pinned int
		if err := rows.Scan(&se.ID, &se.UserID, &se.Title, &pinned, &se.CreatedAt, &se.LastUpdated); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		se.Pinned = pinned != 0
		sessions = append(sessions, se)
	}
	return sessions, rows.Err()
}

// pushSession delivers the latest snapshot, displacing an unconsumed
// older one. Snapshots are cumulative, so dropping a stale event is safe.
func pushSession(ch chan SessionEvent, ev SessionEvent) {
	for {
		select {
		case ch <- ev:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

func pushMessages(ch chan MessagesEvent, ev MessagesEvent) {
	for {
		select {
		case ch <- ev:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

func pushSessionList(ch chan SessionListEvent, ev SessionListEvent) {
	for {
		select {
		case ch <- ev:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}
