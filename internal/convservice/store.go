// Package convservice is the reference conversation service: users, bearer tokens and
// per-user conversations with their message histories, kept in SQL.
package convservice

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"lexichat/internal/backend"
	"lexichat/internal/models"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotFound           = errors.New("not found")
)

// User is a registered account.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	Role         string    `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store handles user lifecycle and conversation persistence.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// RegisterUser creates a user with the supplied credentials.
func (s *Store) RegisterUser(ctx context.Context, username, password, displayName, role string) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" || strings.TrimSpace(password) == "" {
		return nil, errors.New("username and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	if displayName = strings.TrimSpace(displayName); displayName == "" {
		displayName = username
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, display_name, role, password_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		username, displayName, strings.TrimSpace(role), string(hash), now,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	return &User{ID: id, Username: username, DisplayName: displayName, Role: strings.TrimSpace(role), PasswordHash: string(hash), CreatedAt: now}, nil
}

// Login validates credentials and returns the user profile.
func (s *Store) Login(ctx context.Context, username, password string) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}
	user, err := s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, role, password_hash, created_at FROM users WHERE username = ?`, username,
	))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// GetUser returns the user by id.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, role, password_hash, created_at FROM users WHERE id = ?`, id,
	))
}

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.Role, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

// CreateConversation inserts a new conversation for the user.
func (s *Store) CreateConversation(ctx context.Context, userID int64, title, mode string) (models.Conversation, error) {
	if userID <= 0 {
		return models.Conversation{}, errors.New("user_id is required")
	}
	if title = strings.TrimSpace(title); title == "" {
		title = models.PlaceholderTitle
	}
	now := time.Now().UTC()
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, last_message, mode, created_at, updated_at) VALUES (?, ?, ?, '', ?, ?, ?)`,
		id, userID, title, mode, now, now,
	)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return models.Conversation{ID: id, Title: title, Mode: mode, Timestamp: now.UnixMilli()}, nil
}

// ListConversations returns the user's conversations, most recently updated first.
func (s *Store) ListConversations(ctx context.Context, userID int64) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, last_message, mode, updated_at FROM conversations WHERE user_id = ? ORDER BY updated_at DESC, created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	list := make([]models.Conversation, 0)
	for rows.Next() {
		var (
			c       models.Conversation
			updated time.Time
		)
		if err := rows.Scan(&c.ID, &c.Title, &c.LastMessage, &c.Mode, &updated); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.Timestamp = updated.UnixMilli()
		list = append(list, c)
	}
	return list, rows.Err()
}

// ConversationPatch carries the summary fields a client may change.
type ConversationPatch struct {
	Title       *string `json:"title"`
	LastMessage *string `json:"last_message"`
	Mode        *string `json:"mode"`
}

// UpdateConversation applies the patch to a conversation owned by the user.
func (s *Store) UpdateConversation(ctx context.Context, userID int64, id string, patch ConversationPatch) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}
	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			return errors.New("title cannot be empty")
		}
		sets = append(sets, "title = ?")
		args = append(args, title)
	}
	if patch.LastMessage != nil {
		sets = append(sets, "last_message = ?")
		args = append(args, *patch.LastMessage)
	}
	if patch.Mode != nil {
		sets = append(sets, "mode = ?")
		args = append(args, *patch.Mode)
	}
	args = append(args, id, userID)
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET `+strings.Join(sets, ", ")+` WHERE id = ? AND user_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return requireAffected(res)
}

// DeleteConversation removes a conversation and its messages for the user.
func (s *Store) DeleteConversation(ctx context.Context, userID int64, id string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id IN (SELECT id FROM conversations WHERE id = ? AND user_id = ?)`, id, userID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if err = requireAffected(res); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete conversation: %w", err)
	}
	return nil
}

// Messages returns the ordered history of a conversation owned by the user.
func (s *Store) Messages(ctx context.Context, userID int64, id string) ([]backend.StoredMessage, error) {
	if err := s.requireOwner(ctx, userID, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, created_at FROM messages WHERE conversation_id = ? ORDER BY position ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]backend.StoredMessage, 0)
	for rows.Next() {
		var m backend.StoredMessage
		if err := rows.Scan(&m.Role, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ReplaceMessages overwrites the history of a conversation owned by the user.
func (s *Store) ReplaceMessages(ctx context.Context, userID int64, id string, msgs []backend.StoredMessage) (err error) {
	for _, m := range msgs {
		if m.Role != models.RoleUser && m.Role != models.RoleAssistant {
			return fmt.Errorf("invalid role %q", m.Role)
		}
	}
	if err := s.requireOwner(ctx, userID, id); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	for i, m := range msgs {
		ts := m.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO messages (conversation_id, position, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			id, i, m.Role, m.Content, ts.UTC(),
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	if _, err = tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit messages: %w", err)
	}
	return nil
}

func (s *Store) requireOwner(ctx context.Context, userID int64, id string) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE id = ? AND user_id = ?)`, id, userID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("verify conversation: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
