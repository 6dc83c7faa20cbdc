package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tomofuminijo/HealthmateUI/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	guard ContentGuard
	db    *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dsn and runs
// migrations.
func NewSQLiteStore(dsn string, guard ContentGuard) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate
	// databases. Keep a single connection so schema and data survive
	// across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{guard: guard, db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			last_activity DATETIME NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, last_activity)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			metadata TEXT,
			FOREIGN KEY (conversation_id) REFERENCES conversations(conversation_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(user_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, userID, conversationID string, role domain.Role, content string, metadata map[string]string) (*domain.Message, error) {
	if !role.Valid() {
		return nil, domain.NewValidationError("role", "unknown message role")
	}

	sanitized, err := prepareContent(ctx, s.guard, content)
	if err != nil {
		return nil, err
	}

	conv, err := s.GetOrCreateConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	msg := &domain.Message{
		MessageID:      "msg_" + uuid.New().String()[:8],
		ConversationID: conv.ConversationID,
		UserID:         userID,
		Role:           role,
		Content:        sanitized,
		Status:         domain.StatusSent,
		CreatedAt:      now,
		Metadata:       metadata,
	}

	var metaJSON sql.NullString
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metaJSON = sql.NullString{String: string(b), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (message_id, conversation_id, user_id, role, content, status, created_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.MessageID, msg.ConversationID, msg.UserID, string(msg.Role), msg.Content, string(msg.Status), msg.CreatedAt, metaJSON,
	); err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET message_count = message_count + 1, last_activity = ? WHERE conversation_id = ?`,
		now, msg.ConversationID,
	); err != nil {
		return nil, fmt.Errorf("failed to update conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) GetHistory(ctx context.Context, userID, conversationID string, limit, offset int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var rows *sql.Rows
	var err error
	if conversationID != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT message_id, conversation_id, user_id, role, content, status, created_at, metadata
			 FROM messages WHERE user_id = ? AND conversation_id = ?
			 ORDER BY created_at, message_id LIMIT ? OFFSET ?`,
			userID, conversationID, limit, offset)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT message_id, conversation_id, user_id, role, content, status, created_at, metadata
			 FROM messages WHERE user_id = ?
			 ORDER BY created_at, message_id LIMIT ? OFFSET ?`,
			userID, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]domain.Message, 0)
	for rows.Next() {
		var m domain.Message
		var role, status string
		var meta sql.NullString
		if err := rows.Scan(&m.MessageID, &m.ConversationID, &m.UserID, &role, &m.Content, &status, &m.CreatedAt, &meta); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Role = domain.Role(role)
		m.Status = domain.Status(status)
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &m.Metadata); err != nil {
				log.Printf("WARN: failed to decode metadata for message %s: %v", m.MessageID, err)
			}
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *SQLiteStore) CountMessages(ctx context.Context, userID, conversationID string) (int, error) {
	var count int
	var err error
	if conversationID != "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM messages WHERE user_id = ? AND conversation_id = ?`,
			userID, conversationID).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM messages WHERE user_id = ?`, userID).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, messageID string, status domain.Status) (bool, error) {
	if !status.Valid() {
		return false, domain.NewValidationError("status", "unknown message status")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ? WHERE message_id = ?`, string(status), messageID)
	if err != nil {
		return false, fmt.Errorf("failed to update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) GetOrCreateConversation(ctx context.Context, userID, conversationID string) (*domain.Conversation, error) {
	now := time.Now()

	if conversationID != "" {
		conv, err := s.GetConversation(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		if conv != nil {
			if conv.UserID == userID {
				if _, err := s.db.ExecContext(ctx,
					`UPDATE conversations SET last_activity = ? WHERE conversation_id = ?`,
					now, conversationID); err != nil {
					return nil, fmt.Errorf("failed to bump activity: %w", err)
				}
				conv.LastActivity = now
				return conv, nil
			}
			log.Printf("WARN: conversation %s requested by non-owner %s, creating fresh", conversationID, userID)
			conversationID = ""
		}
	}

	id := conversationID
	if id == "" {
		id = "conv_" + uuid.New().String()[:8]
	}
	conv := &domain.Conversation{
		ConversationID: id,
		UserID:         userID,
		CreatedAt:      now,
		LastActivity:   now,
		Active:         true,
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (conversation_id, user_id, created_at, last_activity, message_count, active)
		 VALUES (?, ?, ?, ?, 0, 1)`,
		conv.ConversationID, conv.UserID, conv.CreatedAt, conv.LastActivity,
	); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, user_id, created_at, last_activity, message_count, active
		 FROM conversations WHERE conversation_id = ?`, conversationID)

	var c domain.Conversation
	var active int
	err := row.Scan(&c.ConversationID, &c.UserID, &c.CreatedAt, &c.LastActivity, &c.MessageCount, &active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	c.Active = active != 0
	return &c, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, user_id, created_at, last_activity, message_count, active
		 FROM conversations WHERE user_id = ? ORDER BY last_activity DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Conversation, 0)
	for rows.Next() {
		var c domain.Conversation
		var active int
		if err := rows.Scan(&c.ConversationID, &c.UserID, &c.CreatedAt, &c.LastActivity, &c.MessageCount, &active); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		c.Active = active != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteHistory(ctx context.Context, userID, conversationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if conversationID != "" {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE user_id = ? AND conversation_id = ?`, userID, conversationID); err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM conversations WHERE user_id = ? AND conversation_id = ?`, userID, conversationID); err != nil {
			return fmt.Errorf("failed to delete conversation: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM conversations WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("failed to delete conversations: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) CleanupConversations(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id IN
		 (SELECT conversation_id FROM conversations WHERE last_activity < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("failed to delete stale messages: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM conversations WHERE last_activity < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale conversations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
