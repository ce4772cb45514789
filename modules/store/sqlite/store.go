package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flemzord/pulse/pkg/identity"
)

var (
	// ErrMessageNotFound is returned when no row exists for a chat/message pair.
	ErrMessageNotFound = errors.New("sqlite: message not found")

	// ErrInvalidStatus is returned when a status annotation is not valid JSON.
	ErrInvalidStatus = errors.New("sqlite: status is not valid JSON")

	// ErrInvalidUser is returned when a user without an id is written.
	ErrInvalidUser = errors.New("sqlite: user id is required")
)

// Store holds users, channel memberships and chat messages in one database.
type Store struct {
	db *sql.DB
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: ping failed: %w", err)
	}
	return nil
}

// UserByID loads a user. A missing user is reported with ok=false.
func (s *Store) UserByID(ctx context.Context, id string) (identity.Identity, bool, error) {
	var u identity.Identity
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, role, profile_image_url
		FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.ProfileImageURL)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Identity{}, false, nil
	}
	if err != nil {
		return identity.Identity{}, false, fmt.Errorf("sqlite: load user %s: %w", id, err)
	}
	return u, true, nil
}

// UpsertUser creates or replaces a user.
func (s *Store) UpsertUser(ctx context.Context, u identity.Identity) error {
	if !u.Valid() {
		return ErrInvalidUser
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, role, profile_image_url)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			role = excluded.role,
			profile_image_url = excluded.profile_image_url`,
		u.ID, u.Name, u.Email, u.Role, u.ProfileImageURL,
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert user: %w", err)
	}
	return nil
}

// DeleteUser removes a user and their channel memberships.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM channel_members WHERE user_id = ?", id); err != nil {
		return fmt.Errorf("sqlite: delete memberships: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id); err != nil {
		return fmt.Errorf("sqlite: delete user: %w", err)
	}
	return tx.Commit()
}

// ChannelsOf returns the ids of the channels userID belongs to, sorted.
func (s *Store) ChannelsOf(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id FROM channel_members
		WHERE user_id = ?
		ORDER BY channel_id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	channels := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan channel: %w", err)
		}
		channels = append(channels, id)
	}
	return channels, rows.Err()
}

// AddMember adds userID to a channel. Adding an existing member is a no-op.
func (s *Store) AddMember(ctx context.Context, channelID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO channel_members (channel_id, user_id)
		VALUES (?, ?)`, channelID, userID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: add member: %w", err)
	}
	return nil
}

// RemoveMember removes userID from a channel.
func (s *Store) RemoveMember(ctx context.Context, channelID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM channel_members WHERE channel_id = ? AND user_id = ?",
		channelID, userID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: remove member: %w", err)
	}
	return nil
}

// Message returns the stored content of a message.
func (s *Store) Message(ctx context.Context, chatID, messageID string) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx, `
		SELECT content FROM chat_messages
		WHERE chat_id = ? AND message_id = ?`, chatID, messageID,
	).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s/%s", ErrMessageNotFound, chatID, messageID)
	}
	if err != nil {
		return "", fmt.Errorf("sqlite: load message: %w", err)
	}
	return content, nil
}

// UpsertMessage writes content as the full message content, creating the
// message when it does not exist yet.
func (s *Store) UpsertMessage(ctx context.Context, chatID, messageID, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (chat_id, message_id, content, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id, message_id) DO UPDATE SET
			content = excluded.content,
			updated_at = excluded.updated_at`,
		chatID, messageID, content, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert message: %w", err)
	}
	return nil
}

// AddStatus appends a status annotation to the message's history, creating
// the message with empty content when needed.
func (s *Store) AddStatus(ctx context.Context, chatID, messageID string, status json.RawMessage) error {
	if !json.Valid(status) {
		return ErrInvalidStatus
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx, `
		SELECT status_history FROM chat_messages
		WHERE chat_id = ? AND message_id = ?`, chatID, messageID,
	).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		raw = "[]"
	case err != nil:
		return fmt.Errorf("sqlite: load status history: %w", err)
	}

	var history []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		return fmt.Errorf("sqlite: decode status history: %w", err)
	}
	history = append(history, status)

	encoded, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("sqlite: encode status history: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chat_messages (chat_id, message_id, status_history, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id, message_id) DO UPDATE SET
			status_history = excluded.status_history,
			updated_at = excluded.updated_at`,
		chatID, messageID, string(encoded), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: write status history: %w", err)
	}
	return tx.Commit()
}

// StatusHistory returns the status annotations of a message in insertion order.
func (s *Store) StatusHistory(ctx context.Context, chatID, messageID string) ([]json.RawMessage, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT status_history FROM chat_messages
		WHERE chat_id = ? AND message_id = ?`, chatID, messageID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrMessageNotFound, chatID, messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load status history: %w", err)
	}

	var history []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		return nil, fmt.Errorf("sqlite: decode status history: %w", err)
	}
	return history, nil
}
