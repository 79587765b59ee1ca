package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

func (s *SQLiteStore) CountSummaries(ctx context.Context, conversationID string, level int) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM summaries WHERE conversation_id = ? AND level = ?`, conversationID, level).Scan(&n); err != nil {
		return 0, fmt.Errorf("count summaries: %w", err)
	}
	return n, nil
}

// ListSummaries returns summaries of one level ordered by index. A negative
// limit returns everything from skip on.
func (s *SQLiteStore) ListSummaries(ctx context.Context, conversationID string, level, skip, limit int) ([]Summary, error) {
	if skip < 0 {
		skip = 0
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT conversation_id, level, idx, text, start_at_ms, end_at_ms, created_at_ms
FROM summaries
WHERE conversation_id = ? AND level = ?
ORDER BY idx ASC
LIMIT ? OFFSET ?`, conversationID, level, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	out := []Summary{}
	for rows.Next() {
		var sum Summary
		var startMS, endMS, createdMS int64
		if err := rows.Scan(&sum.ConversationID, &sum.Level, &sum.Index, &sum.Text, &startMS, &endMS, &createdMS); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sum.StartAt = timeFromMS(startMS)
		sum.EndAt = timeFromMS(endMS)
		sum.CreatedAt = timeFromMS(createdMS)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summaries: %w", err)
	}
	return out, nil
}

// UpsertSummary is an insert-if-absent on (conversation, level, index). The
// existing row always wins, so summaries are write-once.
func (s *SQLiteStore) UpsertSummary(ctx context.Context, sum Summary) (bool, error) {
	if strings.TrimSpace(sum.ConversationID) == "" {
		return false, fmt.Errorf("upsert summary: empty conversation_id")
	}
	if sum.Level < 0 || sum.Index < 0 {
		return false, fmt.Errorf("upsert summary: invalid key level=%d index=%d", sum.Level, sum.Index)
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO summaries(conversation_id, level, idx, text, start_at_ms, end_at_ms, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(conversation_id, level, idx) DO NOTHING`,
		sum.ConversationID, sum.Level, sum.Index, sum.Text, unixMS(sum.StartAt), unixMS(sum.EndAt), msOrNow(sum.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("upsert summary: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("upsert summary rows: %w", err)
	}
	return affected > 0, nil
}

func (s *SQLiteStore) MaxSummaryLevel(ctx context.Context, conversationID string) (int, bool, error) {
	var level sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
SELECT MAX(level) FROM summaries WHERE conversation_id = ?`, conversationID).Scan(&level); err != nil {
		return 0, false, fmt.Errorf("max summary level: %w", err)
	}
	if !level.Valid {
		return 0, false, nil
	}
	return int(level.Int64), true, nil
}
