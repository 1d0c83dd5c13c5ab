package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ConversationRecord is the conversation header read model.
type ConversationRecord struct {
	ConversationID   int64      `json:"conversation_id"`
	ConversationUUID string     `json:"conversation_uuid"`
	Title            string     `json:"title"`
	LastMessageAt    *time.Time `json:"last_message_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// MessageRecord is one stored conversation turn.
type MessageRecord struct {
	MessageID   int64           `json:"message_id"`
	MessageUUID string          `json:"message_uuid"`
	Role        string          `json:"role"`
	Content     string          `json:"content"`
	Sources     json.RawMessage `json:"sources,omitempty"`
	Attachments json.RawMessage `json:"attachments,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// CreateConversation starts a conversation titled after the opening message.
func (p *Pool) CreateConversation(ctx context.Context, title string, now time.Time) (*ConversationRecord, error) {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		trimmed = "New conversation"
	}

	const q = `
INSERT INTO shoplens.conversations (
	conversation_uuid,
	title,
	created_at
)
VALUES ($1::uuid, $2, $3)
RETURNING
	conversation_id,
	conversation_uuid::text,
	title,
	last_message_at,
	created_at
`

	var record ConversationRecord
	if err := p.QueryRow(ctx, q, uuid.NewString(), trimmed, now.UTC()).Scan(
		&record.ConversationID,
		&record.ConversationUUID,
		&record.Title,
		&record.LastMessageAt,
		&record.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &record, nil
}

// GetConversationByUUID returns ErrNoRows when no conversation matches.
func (p *Pool) GetConversationByUUID(ctx context.Context, conversationUUID string) (*ConversationRecord, error) {
	trimmed := strings.TrimSpace(conversationUUID)
	if trimmed == "" {
		return nil, fmt.Errorf("conversation UUID is required")
	}

	const q = `
SELECT
	c.conversation_id,
	c.conversation_uuid::text,
	c.title,
	c.last_message_at,
	c.created_at
FROM shoplens.conversations c
WHERE c.conversation_uuid = $1::uuid
`

	var record ConversationRecord
	if err := p.QueryRow(ctx, q, trimmed).Scan(
		&record.ConversationID,
		&record.ConversationUUID,
		&record.Title,
		&record.LastMessageAt,
		&record.CreatedAt,
	); err != nil {
		if errors.Is(err, ErrNoRows) {
			return nil, ErrNoRows
		}
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	return &record, nil
}

// ListConversations lists conversation headers, most recently active first.
func (p *Pool) ListConversations(ctx context.Context, limit int) ([]ConversationRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	const q = `
SELECT
	c.conversation_id,
	c.conversation_uuid::text,
	c.title,
	c.last_message_at,
	c.created_at
FROM shoplens.conversations c
ORDER BY COALESCE(c.last_message_at, c.created_at) DESC, c.conversation_id DESC
LIMIT $1
`

	rows, err := p.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	items := make([]ConversationRecord, 0, limit)
	for rows.Next() {
		var row ConversationRecord
		if err := rows.Scan(
			&row.ConversationID,
			&row.ConversationUUID,
			&row.Title,
			&row.LastMessageAt,
			&row.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return items, nil
}

// AddMessage appends a turn and bumps the conversation's last_message_at.
func (p *Pool) AddMessage(ctx context.Context, conversationID int64, role, content string, sources, attachments json.RawMessage, now time.Time) (*MessageRecord, error) {
	trimmedRole := strings.TrimSpace(strings.ToLower(role))
	if trimmedRole == "" {
		return nil, fmt.Errorf("role is required")
	}

	tx, err := p.BeginTx(ctx, TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	const insertQuery = `
INSERT INTO shoplens.conversation_messages (
	message_uuid,
	conversation_id,
	role,
	content,
	sources,
	attachments,
	created_at
)
VALUES ($1::uuid, $2, $3, $4, $5, $6, $7)
RETURNING
	message_id,
	message_uuid::text,
	role,
	content,
	sources,
	attachments,
	created_at
`

	createdAt := now.UTC()
	var record MessageRecord
	if err := tx.QueryRow(ctx, insertQuery,
		uuid.NewString(),
		conversationID,
		trimmedRole,
		content,
		nullableJSON(sources),
		nullableJSON(attachments),
		createdAt,
	).Scan(
		&record.MessageID,
		&record.MessageUUID,
		&record.Role,
		&record.Content,
		&record.Sources,
		&record.Attachments,
		&record.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	const touchQuery = `
UPDATE shoplens.conversations
SET last_message_at = $2
WHERE conversation_id = $1
`
	if _, err := tx.Exec(ctx, touchQuery, conversationID, createdAt); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return &record, nil
}

// ListRecentMessages returns the newest messages of a conversation in
// chronological order, bounded by limit.
func (p *Pool) ListRecentMessages(ctx context.Context, conversationID int64, limit int) ([]MessageRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	const q = `
SELECT
	m.message_id,
	m.message_uuid::text,
	m.role,
	m.content,
	m.sources,
	m.attachments,
	m.created_at
FROM shoplens.conversation_messages m
WHERE m.conversation_id = $1
ORDER BY m.created_at DESC, m.message_id DESC
LIMIT $2
`

	rows, err := p.Query(ctx, q, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversation messages: %w", err)
	}
	defer rows.Close()

	items := make([]MessageRecord, 0, limit)
	for rows.Next() {
		var row MessageRecord
		if err := rows.Scan(
			&row.MessageID,
			&row.MessageUUID,
			&row.Role,
			&row.Content,
			&row.Sources,
			&row.Attachments,
			&row.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func nullableJSON(value json.RawMessage) any {
	if len(value) == 0 {
		return nil
	}
	return string(value)
}
