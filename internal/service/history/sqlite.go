package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/glebarez/go-sqlite"

	"github.com/ecosense/ecosense/backend/internal/model/chat"
)

// SQLiteUserStore persists one history document per user in SQLite, mirroring
// the dashboard database's chat_histories table.
type SQLiteUserStore struct {
	db *sql.DB
}

// OpenSQLiteUserStore opens (or creates) the history database at path.
func OpenSQLiteUserStore(path string) (*SQLiteUserStore, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_busy_timeout=10000&_fk=1")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS chat_histories (
		user_id INTEGER PRIMARY KEY,
		messages TEXT NOT NULL,
		updated_at DATETIME
	);`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create chat_histories table: %w", err)
	}
	return &SQLiteUserStore{db: db}, nil
}

// GetChatHistory implements UserStore. A user without a row has no history.
func (s *SQLiteUserStore) GetChatHistory(ctx context.Context, userID int) ([]chat.Message, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT messages FROM chat_histories WHERE user_id = ?;`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read chat history for user %d: %w", userID, err)
	}

	var messages []chat.Message
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		return nil, fmt.Errorf("decode chat history for user %d: %w", userID, err)
	}
	return messages, nil
}

// UpdateChatHistory implements UserStore, replacing the full document.
func (s *SQLiteUserStore) UpdateChatHistory(ctx context.Context, userID int, messages []chat.Message) error {
	raw, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encode chat history for user %d: %w", userID, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chat_histories (user_id, messages, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(user_id) DO UPDATE SET messages = excluded.messages, updated_at = CURRENT_TIMESTAMP;`,
		userID, string(raw))
	if err != nil {
		return fmt.Errorf("write chat history for user %d: %w", userID, err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteUserStore) Close() error {
	return s.db.Close()
}
