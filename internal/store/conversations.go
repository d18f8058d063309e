// ABOUTME: Conversation runtime-state persistence for the SQLite store
// ABOUTME: CRUD for the conversations table; rows are never deleted by the gateway

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// timeLayout is fixed width so stored timestamps sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const conversationColumns = `id, title, status, runtime_status, runtime_id, session_id,
	session_api_key, runtime_url, vscode_url, created_at, updated_at`

// CreateConversation inserts a new conversation row
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if err := ValidateConversationID(conv.ID); err != nil {
		return err
	}
	if conv.Status == "" {
		conv.Status = ConversationStatusCreated
	}

	query := `INSERT INTO conversations (` + conversationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.Title,
		string(conv.Status),
		conv.RuntimeStatus,
		conv.RuntimeID,
		conv.SessionID,
		conv.SessionAPIKey,
		conv.RuntimeURL,
		conv.VSCodeURL,
		formatTime(conv.CreatedAt),
		formatTime(conv.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") || strings.Contains(err.Error(), "PRIMARY KEY") {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "conversation_id", conv.ID)
	return nil
}

// GetConversation retrieves a conversation by ID
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = ?`

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// UpdateConversation overwrites the mutable fields of an existing conversation
func (s *SQLiteStore) UpdateConversation(ctx context.Context, conv *Conversation) error {
	query := `
		UPDATE conversations
		SET title = ?, status = ?, runtime_status = ?, runtime_id = ?, session_id = ?,
		    session_api_key = ?, runtime_url = ?, vscode_url = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		conv.Title,
		string(conv.Status),
		conv.RuntimeStatus,
		conv.RuntimeID,
		conv.SessionID,
		conv.SessionAPIKey,
		conv.RuntimeURL,
		conv.VSCodeURL,
		formatTime(conv.UpdatedAt),
		conv.ID,
	)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListConversations returns the most recently updated conversations first
func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations ORDER BY updated_at DESC, id ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return convs, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	conv := &Conversation{}
	var status, createdAt, updatedAt string

	if err := row.Scan(
		&conv.ID,
		&conv.Title,
		&status,
		&conv.RuntimeStatus,
		&conv.RuntimeID,
		&conv.SessionID,
		&conv.SessionAPIKey,
		&conv.RuntimeURL,
		&conv.VSCodeURL,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	conv.Status = ConversationStatus(status)

	var err error
	conv.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	conv.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return conv, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
