package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const userColumns = `id, username, global_name, discriminator, bot, premium, locale, updated_at_ms`

// UpsertUser writes the current profile. Each changed field appends one
// history row carrying the previous value. An empty locale keeps the stored
// one since most events do not report it.
func (s *SQLiteStore) UpsertUser(ctx context.Context, profile UserProfile) error {
	if strings.TrimSpace(profile.ID) == "" {
		return fmt.Errorf("upsert user: empty id")
	}
	now := msOrNow(profile.UpdatedAt)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert user begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, profile.ID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
INSERT INTO users(id, username, global_name, discriminator, bot, premium, locale, updated_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`, profile.ID, profile.Username, profile.GlobalName, profile.Discriminator,
			boolToInt(profile.Bot), boolToInt(profile.Premium), profile.Locale, now); err != nil {
			return fmt.Errorf("upsert user insert: %w", err)
		}
	case err != nil:
		return fmt.Errorf("upsert user load: %w", err)
	default:
		if profile.Locale == "" {
			profile.Locale = current.Locale
		}
		changes := diffProfiles(current, profile)
		if len(changes) == 0 {
			return nil
		}
		for _, c := range changes {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO user_history(user_id, field, old_value, new_value, changed_at_ms)
VALUES(?, ?, ?, ?, ?)`, profile.ID, c.Field, c.OldValue, c.NewValue, now); err != nil {
				return fmt.Errorf("upsert user history: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE users
SET username = ?, global_name = ?, discriminator = ?, bot = ?, premium = ?, locale = ?, updated_at_ms = ?
WHERE id = ?`, profile.Username, profile.GlobalName, profile.Discriminator,
			boolToInt(profile.Bot), boolToInt(profile.Premium), profile.Locale, now, profile.ID); err != nil {
			return fmt.Errorf("upsert user update: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert user commit: %w", err)
	}
	return nil
}

func diffProfiles(old, next UserProfile) []UserChange {
	pairs := []struct {
		field    string
		old, new string
	}{
		{"username", old.Username, next.Username},
		{"global_name", old.GlobalName, next.GlobalName},
		{"discriminator", old.Discriminator, next.Discriminator},
		{"bot", strconv.FormatBool(old.Bot), strconv.FormatBool(next.Bot)},
		{"premium", strconv.FormatBool(old.Premium), strconv.FormatBool(next.Premium)},
		{"locale", old.Locale, next.Locale},
	}
	var out []UserChange
	for _, p := range pairs {
		if p.old != p.new {
			out = append(out, UserChange{UserID: next.ID, Field: p.field, OldValue: p.old, NewValue: p.new})
		}
	}
	return out
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (UserProfile, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UserProfile{}, fmt.Errorf("get user %s: %w", id, ErrNotFound)
		}
		return UserProfile{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) UserHistory(ctx context.Context, id string) ([]UserChange, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT user_id, field, old_value, new_value, changed_at_ms
FROM user_history
WHERE user_id = ?
ORDER BY changed_at_ms ASC, id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("user history: %w", err)
	}
	defer rows.Close()

	out := []UserChange{}
	for rows.Next() {
		var c UserChange
		var changedMS int64
		if err := rows.Scan(&c.UserID, &c.Field, &c.OldValue, &c.NewValue, &changedMS); err != nil {
			return nil, fmt.Errorf("scan user history: %w", err)
		}
		c.ChangedAt = timeFromMS(changedMS)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user history: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) usersByID(ctx context.Context, ids []string) (map[string]UserProfile, error) {
	out := make(map[string]UserProfile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE id IN (`+placeholders(len(ids))+`)`,
		stringArgs(nil, ids)...)
	if err != nil {
		return nil, fmt.Errorf("resolve users: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return out, nil
}

func scanUser(row rowScanner) (UserProfile, error) {
	var u UserProfile
	var bot, premium int
	var updatedMS int64
	if err := row.Scan(&u.ID, &u.Username, &u.GlobalName, &u.Discriminator, &bot, &premium, &u.Locale, &updatedMS); err != nil {
		return UserProfile{}, err
	}
	u.Bot = bot != 0
	u.Premium = premium != 0
	u.UpdatedAt = timeFromMS(updatedMS)
	return u, nil
}
