package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AddMemory pins a fact. ID and CreatedAt are filled when empty.
func (s *SQLiteStore) AddMemory(ctx context.Context, mem Memory) (Memory, error) {
	if strings.TrimSpace(mem.ConversationID) == "" {
		return Memory{}, fmt.Errorf("add memory: empty conversation_id")
	}
	mem.Text = strings.TrimSpace(mem.Text)
	if mem.Text == "" {
		return Memory{}, fmt.Errorf("add memory: empty text")
	}
	if mem.ID == "" {
		mem.ID = uuid.NewString()
	}
	created := msOrNow(mem.CreatedAt)
	mem.CreatedAt = timeFromMS(created)

	if _, err := s.db.ExecContext(ctx, `
INSERT INTO memories(id, conversation_id, author_id, text, source_native_id, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?)`, mem.ID, mem.ConversationID, mem.AuthorID, mem.Text, mem.SourceNativeID, created); err != nil {
		return Memory{}, fmt.Errorf("add memory: %w", err)
	}
	return mem, nil
}

// ListMemories returns every pinned fact of a conversation, oldest first.
func (s *SQLiteStore) ListMemories(ctx context.Context, conversationID string) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, conversation_id, author_id, text, source_native_id, created_at_ms
FROM memories
WHERE conversation_id = ?
ORDER BY created_at_ms ASC, rowid ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	out := []Memory{}
	for rows.Next() {
		var m Memory
		var createdMS int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.AuthorID, &m.Text, &m.SourceNativeID, &createdMS); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		m.CreatedAt = timeFromMS(createdMS)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) DeleteMemory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("delete memory %s: %w", id, ErrNotFound)
	}
	return nil
}
