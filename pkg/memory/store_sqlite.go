package memory

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/dotsetgreg/dotrecall/pkg/logger"

	_ "modernc.org/sqlite"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// connPragmas are applied by the driver to every new connection.
var connPragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
	"busy_timeout(5000)",
}

// SQLiteStore is the canonical persistent store for events, summaries,
// pinned memories and background jobs.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database at path, creating it and its directory
// if needed, and brings the schema up to date.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store db dir: %w", err)
	}

	q := url.Values{"_pragma": connPragmas}
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single process; one connection serializes writers without SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks that the database handle is usable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate applies every schema/NNNN_*.sql file newer than the database's
// user_version, each in its own transaction.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	files, err := fs.Glob(schemaFS, "schema/*.sql")
	if err != nil {
		return err
	}
	slices.Sort(files)

	var current int
	if err := s.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, name := range files {
		version := i + 1
		if version <= current {
			continue
		}
		ddl, err := schemaFS.ReadFile(name)
		if err != nil {
			return err
		}
		if err := s.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(ddl)); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, version))
			return err
		}); err != nil {
			return fmt.Errorf("apply %s: %w", filepath.Base(name), err)
		}
		logger.InfoCF("memory", "Applied schema migration", map[string]interface{}{
			"file":    filepath.Base(name),
			"version": version,
		})
	}
	return nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Timestamps are stored as unix milliseconds; 0 means unset.

func nowMS() int64 { return time.Now().UnixMilli() }

func msOrNow(t time.Time) int64 {
	if t.IsZero() {
		return nowMS()
	}
	return t.UnixMilli()
}

func unixMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeFromMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// marshalPayload and unmarshalPayload store job payloads as a JSON object.
// A corrupt column reads back as an empty payload.
func marshalPayload(m map[string]string) string {
	if b, err := json.Marshal(m); err == nil && len(m) > 0 {
		return string(b)
	}
	return "{}"
}

func unmarshalPayload(raw string) map[string]string {
	out := map[string]string{}
	if raw != "" && json.Unmarshal([]byte(raw), &out) != nil {
		return map[string]string{}
	}
	return out
}

// placeholders returns "?, ?, ?" for n parameters.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// uniqueStrings trims values and drops blanks and repeats, keeping first
// occurrence order.
func uniqueStrings(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func stringArgs(prefix []interface{}, values []string) []interface{} {
	args := slices.Clone(prefix)
	for _, v := range values {
		args = append(args, v)
	}
	return args
}
