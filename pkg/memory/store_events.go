package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

const messageColumns = `seq, conversation_id, native_id, author_id, text, content_kind, derived_context, reply_to_id, forward_json, attachments_json, sent_at_ms, edited_at_ms`

// SaveMessage inserts msg unless (conversation, native id) is already stored,
// in which case ErrDuplicateKey is returned.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg Message) (Message, error) {
	if strings.TrimSpace(msg.ConversationID) == "" {
		return Message{}, fmt.Errorf("save message: empty conversation_id")
	}
	if strings.TrimSpace(msg.NativeID) == "" {
		return Message{}, fmt.Errorf("save message: empty native_id")
	}
	if msg.Kind == "" {
		msg.Kind = ContentText
	}
	sentMS := msOrNow(msg.SentAt)
	msg.SentAt = timeFromMS(sentMS)

	var text sql.NullString
	if msg.Text != nil {
		text = sql.NullString{String: *msg.Text, Valid: true}
	}
	forward := ""
	if msg.Forward != nil {
		b, err := json.Marshal(msg.Forward)
		if err != nil {
			return Message{}, fmt.Errorf("save message encode forward: %w", err)
		}
		forward = string(b)
	}
	attachments := "[]"
	if len(msg.Attachments) > 0 {
		b, err := json.Marshal(msg.Attachments)
		if err != nil {
			return Message{}, fmt.Errorf("save message encode attachments: %w", err)
		}
		attachments = string(b)
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO messages(conversation_id, native_id, author_id, text, content_kind, derived_context, reply_to_id, forward_json, attachments_json, sent_at_ms, edited_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
ON CONFLICT(conversation_id, native_id) DO NOTHING`,
		msg.ConversationID, msg.NativeID, msg.AuthorID, text, string(msg.Kind), msg.DerivedContext,
		msg.ReplyToID, forward, attachments, sentMS)
	if err != nil {
		return Message{}, fmt.Errorf("save message insert: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Message{}, fmt.Errorf("save message rows: %w", err)
	}
	if affected == 0 {
		return Message{}, fmt.Errorf("save message %s/%s: %w", msg.ConversationID, msg.NativeID, ErrDuplicateKey)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Message{}, fmt.Errorf("save message seq: %w", err)
	}
	msg.Seq = seq
	return msg, nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, conversationID, nativeID string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND native_id = ?`, conversationID, nativeID)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, fmt.Errorf("get message %s/%s: %w", conversationID, nativeID, ErrNotFound)
		}
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// RecordEdit snapshots the current text as the next edit version, then
// replaces it. Every call appends a version, even when newText is unchanged.
func (s *SQLiteStore) RecordEdit(ctx context.Context, conversationID, nativeID, newText string, editedAtMS int64) error {
	if editedAtMS <= 0 {
		editedAtMS = nowMS()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record edit begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current sql.NullString
	if err := tx.QueryRowContext(ctx, `
SELECT text FROM messages WHERE conversation_id = ? AND native_id = ?`, conversationID, nativeID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("record edit %s/%s: %w", conversationID, nativeID, ErrNotFound)
		}
		return fmt.Errorf("record edit load: %w", err)
	}

	var prior int
	if err := tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM message_edits WHERE conversation_id = ? AND native_id = ?`, conversationID, nativeID).Scan(&prior); err != nil {
		return fmt.Errorf("record edit count: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO message_edits(conversation_id, native_id, version, previous_text, edited_at_ms)
VALUES(?, ?, ?, ?, ?)`, conversationID, nativeID, prior+1, current, editedAtMS); err != nil {
		return fmt.Errorf("record edit insert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE messages SET text = ?, edited_at_ms = ?
WHERE conversation_id = ? AND native_id = ?`, newText, editedAtMS, conversationID, nativeID); err != nil {
		return fmt.Errorf("record edit update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record edit commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListEdits(ctx context.Context, conversationID, nativeID string) ([]Edit, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT version, previous_text, edited_at_ms
FROM message_edits
WHERE conversation_id = ? AND native_id = ?
ORDER BY version ASC`, conversationID, nativeID)
	if err != nil {
		return nil, fmt.Errorf("list edits: %w", err)
	}
	defer rows.Close()

	out := []Edit{}
	for rows.Next() {
		var e Edit
		var prev sql.NullString
		var editedMS int64
		if err := rows.Scan(&e.Version, &prev, &editedMS); err != nil {
			return nil, fmt.Errorf("scan edit: %w", err)
		}
		if prev.Valid {
			e.PreviousText = &prev.String
		}
		e.EditedAt = timeFromMS(editedMS)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edits: %w", err)
	}
	return out, nil
}

// ReconcileReactions applies one author's reaction delta. Keys in removed are
// dropped; every key in added is (re)inserted with a fresh timestamp. Other
// authors are untouched.
func (s *SQLiteStore) ReconcileReactions(ctx context.Context, conversationID, nativeID, authorID string, added, removed []string) error {
	added = uniqueStrings(added)
	removed = uniqueStrings(removed)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("reconcile reactions begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `
SELECT 1 FROM messages WHERE conversation_id = ? AND native_id = ?`, conversationID, nativeID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("reconcile reactions %s/%s: %w", conversationID, nativeID, ErrNotFound)
		}
		return fmt.Errorf("reconcile reactions load: %w", err)
	}

	drop := uniqueStrings(append(append([]string{}, removed...), added...))
	if len(drop) > 0 {
		args := stringArgs([]interface{}{conversationID, nativeID, authorID}, drop)
		if _, err := tx.ExecContext(ctx, `
DELETE FROM message_reactions
WHERE conversation_id = ? AND native_id = ? AND author_id = ? AND reaction_key IN (`+placeholders(len(drop))+`)`, args...); err != nil {
			return fmt.Errorf("reconcile reactions delete: %w", err)
		}
	}

	now := nowMS()
	for _, key := range added {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO message_reactions(conversation_id, native_id, author_id, reaction_key, is_custom, added_at_ms)
VALUES(?, ?, ?, ?, ?, ?)`, conversationID, nativeID, authorID, key, boolToInt(isCustomEmojiKey(key)), now); err != nil {
			return fmt.Errorf("reconcile reactions insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("reconcile reactions commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListReactions(ctx context.Context, conversationID, nativeID string) ([]Reaction, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT author_id, reaction_key, is_custom, added_at_ms
FROM message_reactions
WHERE conversation_id = ? AND native_id = ?
ORDER BY added_at_ms ASC, rowid ASC`, conversationID, nativeID)
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	defer rows.Close()

	out := []Reaction{}
	for rows.Next() {
		var r Reaction
		var custom int
		var addedMS int64
		if err := rows.Scan(&r.AuthorID, &r.Key, &custom, &addedMS); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		r.Custom = custom != 0
		r.AddedAt = timeFromMS(addedMS)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reactions: %w", err)
	}
	return out, nil
}

// isCustomEmojiKey matches platform custom emoji keys of the form name:id.
func isCustomEmojiKey(key string) bool {
	idx := strings.LastIndex(key, ":")
	if idx <= 0 || idx == len(key)-1 {
		return false
	}
	for _, r := range key[idx+1:] {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func (s *SQLiteStore) SetDerivedContext(ctx context.Context, conversationID, nativeID, text string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE messages SET derived_context = ?
WHERE conversation_id = ? AND native_id = ?`, text, conversationID, nativeID)
	if err != nil {
		return fmt.Errorf("set derived context: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("set derived context %s/%s: %w", conversationID, nativeID, ErrNotFound)
	}
	return nil
}

// RecentWindow returns up to limit most recent messages, newest first.
func (s *SQLiteStore) RecentWindow(ctx context.Context, conversationID string, limit int) ([]MessageView, error) {
	if limit <= 0 {
		return []MessageView{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+messageColumns+`
FROM messages
WHERE conversation_id = ?
ORDER BY sent_at_ms DESC, seq DESC
LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent window: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	return s.resolveViews(ctx, conversationID, msgs)
}

// AscendingRange returns a contiguous oldest-first slice starting at skip.
func (s *SQLiteStore) AscendingRange(ctx context.Context, conversationID string, skip, limit int) ([]MessageView, error) {
	if limit <= 0 {
		return []MessageView{}, nil
	}
	if skip < 0 {
		skip = 0
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+messageColumns+`
FROM messages
WHERE conversation_id = ?
ORDER BY sent_at_ms ASC, seq ASC
LIMIT ? OFFSET ?`, conversationID, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("ascending range: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	return s.resolveViews(ctx, conversationID, msgs)
}

func (s *SQLiteStore) Count(ctx context.Context, conversationID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT conversation_id FROM messages ORDER BY conversation_id`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	var text sql.NullString
	var kind, forwardRaw, attachmentsRaw string
	var sentMS, editedMS int64
	if err := row.Scan(&m.Seq, &m.ConversationID, &m.NativeID, &m.AuthorID, &text, &kind, &m.DerivedContext,
		&m.ReplyToID, &forwardRaw, &attachmentsRaw, &sentMS, &editedMS); err != nil {
		return Message{}, err
	}
	if text.Valid {
		t := text.String
		m.Text = &t
	}
	m.Kind = ParseContentKind(kind)
	if forwardRaw != "" {
		var fwd ForwardOrigin
		if err := json.Unmarshal([]byte(forwardRaw), &fwd); err == nil {
			m.Forward = &fwd
		}
	}
	if attachmentsRaw != "" && attachmentsRaw != "[]" {
		_ = json.Unmarshal([]byte(attachmentsRaw), &m.Attachments)
	}
	m.SentAt = timeFromMS(sentMS)
	m.EditedAt = timeFromMS(editedMS)
	return m, nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	out := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// resolveViews joins authors, reply targets, reactions and edit counts at
// read time with one batched query per relation.
func (s *SQLiteStore) resolveViews(ctx context.Context, conversationID string, msgs []Message) ([]MessageView, error) {
	views := make([]MessageView, len(msgs))
	if len(msgs) == 0 {
		return views, nil
	}

	nativeIDs := make([]string, 0, len(msgs))
	replyIDs := []string{}
	userIDs := []string{}
	for _, m := range msgs {
		nativeIDs = append(nativeIDs, m.NativeID)
		userIDs = append(userIDs, m.AuthorID)
		if m.ReplyToID != "" {
			replyIDs = append(replyIDs, m.ReplyToID)
		}
	}
	nativeIDs = uniqueStrings(nativeIDs)
	replyIDs = uniqueStrings(replyIDs)

	targets := map[string]Message{}
	if len(replyIDs) > 0 {
		rows, err := s.db.QueryContext(ctx, `
SELECT `+messageColumns+` FROM messages
WHERE conversation_id = ? AND native_id IN (`+placeholders(len(replyIDs))+`)`,
			stringArgs([]interface{}{conversationID}, replyIDs)...)
		if err != nil {
			return nil, fmt.Errorf("resolve reply targets: %w", err)
		}
		found, err := collectMessages(rows)
		if err != nil {
			return nil, err
		}
		for _, t := range found {
			targets[t.NativeID] = t
			userIDs = append(userIDs, t.AuthorID)
		}
	}

	reactions := map[string][]Reaction{}
	rows, err := s.db.QueryContext(ctx, `
SELECT native_id, author_id, reaction_key, is_custom, added_at_ms
FROM message_reactions
WHERE conversation_id = ? AND native_id IN (`+placeholders(len(nativeIDs))+`)
ORDER BY added_at_ms ASC, rowid ASC`, stringArgs([]interface{}{conversationID}, nativeIDs)...)
	if err != nil {
		return nil, fmt.Errorf("resolve reactions: %w", err)
	}
	for rows.Next() {
		var nativeID string
		var r Reaction
		var custom int
		var addedMS int64
		if err := rows.Scan(&nativeID, &r.AuthorID, &r.Key, &custom, &addedMS); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		r.Custom = custom != 0
		r.AddedAt = timeFromMS(addedMS)
		reactions[nativeID] = append(reactions[nativeID], r)
		userIDs = append(userIDs, r.AuthorID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate reactions: %w", err)
	}
	rows.Close()

	editCounts := map[string]int{}
	rows, err = s.db.QueryContext(ctx, `
SELECT native_id, COUNT(*)
FROM message_edits
WHERE conversation_id = ? AND native_id IN (`+placeholders(len(nativeIDs))+`)
GROUP BY native_id`, stringArgs([]interface{}{conversationID}, nativeIDs)...)
	if err != nil {
		return nil, fmt.Errorf("resolve edit counts: %w", err)
	}
	for rows.Next() {
		var nativeID string
		var n int
		if err := rows.Scan(&nativeID, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan edit count: %w", err)
		}
		editCounts[nativeID] = n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate edit counts: %w", err)
	}
	rows.Close()

	users, err := s.usersByID(ctx, uniqueStrings(userIDs))
	if err != nil {
		return nil, err
	}
	lookup := func(id string) UserProfile {
		if u, ok := users[id]; ok {
			return u
		}
		return UserProfile{ID: id}
	}

	for i, m := range msgs {
		v := MessageView{
			Message:   m,
			Author:    lookup(m.AuthorID),
			EditCount: editCounts[m.NativeID],
		}
		if m.ReplyToID != "" {
			target := &ReplyTarget{NativeID: m.ReplyToID}
			if t, ok := targets[m.ReplyToID]; ok {
				target.Found = true
				target.Author = lookup(t.AuthorID)
				target.Text = t.TextOrEmpty()
				target.Kind = t.Kind
			}
			v.ReplyTo = target
		}
		for _, r := range reactions[m.NativeID] {
			v.Reactions = append(v.Reactions, ReactionView{Key: r.Key, Custom: r.Custom, Author: lookup(r.AuthorID)})
		}
		views[i] = v
	}
	return views, nil
}
