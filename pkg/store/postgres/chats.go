package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stratumhq/stratum/pkg/models"
	"github.com/stratumhq/stratum/pkg/store"
)

// ChatStore persists chats and their message transcripts. Message content and
// tool calls are stored as JSONB in the universal shape; provider-specific
// formats are produced at call time, never persisted.
type ChatStore struct {
	pool *pgxpool.Pool
}

var _ store.ChatStore = (*ChatStore)(nil)

// NewChatStore creates a chat store on the given pool.
func NewChatStore(pool *pgxpool.Pool) *ChatStore {
	return &ChatStore{pool: pool}
}

func (s *ChatStore) CreateChat(ctx context.Context, chat *models.Chat) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chats (chat_id, user_id, agent_ref, agent_input)
		VALUES ($1, $2, $3, $4)`,
		chat.ChatID, chat.UserID, chat.AgentRef, []byte(chat.AgentInput))
	return mapErr(err)
}

func (s *ChatStore) GetChat(ctx context.Context, chatID string) (*models.Chat, error) {
	var chat models.Chat
	var input []byte
	err := s.pool.QueryRow(ctx, `
		SELECT chat_id, user_id, agent_ref, agent_input, created_at
		FROM chats WHERE chat_id = $1`, chatID).
		Scan(&chat.ChatID, &chat.UserID, &chat.AgentRef, &input, &chat.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	chat.AgentInput = json.RawMessage(input)
	return &chat, nil
}

func (s *ChatStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	content, err := encodeJSON(msg.Content)
	if err != nil {
		return fmt.Errorf("failed to encode message content: %w", err)
	}
	toolCalls, err := encodeJSON(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("failed to encode tool calls: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO messages (message_id, chat_id, role, content, tool_calls, tool_call_id, name)
		SELECT $1, chat_id, $3, $4, $5, $6, $7 FROM chats WHERE chat_id = $2`,
		msg.MessageID, msg.ChatID, msg.Role, content, toolCalls, msg.ToolCallID, msg.Name)
	if err != nil {
		return mapErr(err)
	}
	// INSERT ... SELECT inserts zero rows when the chat does not exist.
	exists, err := s.chatExists(ctx, msg.ChatID)
	if err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return nil
}

func (s *ChatStore) chatExists(ctx context.Context, chatID string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM chats WHERE chat_id = $1)`, chatID).Scan(&ok)
	if err != nil {
		return false, mapErr(err)
	}
	return ok, nil
}

func (s *ChatStore) ListMessages(ctx context.Context, chatID string, limit int) ([]*models.Message, error) {
	// The inner query takes the newest N; the outer restores ascending order.
	query := `
		SELECT message_id, chat_id, role, content, tool_calls, tool_call_id, name, created_at
		FROM messages WHERE chat_id = $1 ORDER BY created_at, message_id`
	args := []any{chatID}
	if limit > 0 {
		query = `
			SELECT * FROM (
				SELECT message_id, chat_id, role, content, tool_calls, tool_call_id, name, created_at
				FROM messages WHERE chat_id = $1
				ORDER BY created_at DESC, message_id DESC LIMIT $2
			) newest ORDER BY created_at, message_id`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var msg models.Message
	var content, toolCalls []byte
	err := row.Scan(&msg.MessageID, &msg.ChatID, &msg.Role,
		&content, &toolCalls, &msg.ToolCallID, &msg.Name, &msg.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	if err := decodeJSON(content, &msg.Content); err != nil {
		return nil, fmt.Errorf("failed to decode message content: %w", err)
	}
	if err := decodeJSON(toolCalls, &msg.ToolCalls); err != nil {
		return nil, fmt.Errorf("failed to decode tool calls: %w", err)
	}
	return &msg, nil
}

// encodeJSON marshals v, returning nil (SQL NULL) for empty slices.
func encodeJSON[T any](v []T) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	return json.Marshal(v)
}

func decodeJSON[T any](raw []byte, dst *T) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
