package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/persona-relay/internal/domain"
	"github.com/ashureev/persona-relay/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	tablePrefix = "history_"
	// Mixed-case keys are hex-encoded under their own prefix because SQLite
	// compares table names case-insensitively.
	foldedTablePrefix = "historyx_"
	invalidTable      = "invalid_history"
	busyRetryAttempts = 3
	busyRetryDelay    = 50 * time.Millisecond
)

// TableFor maps a persona key to its turn-log table. Distinct valid keys
// never share a table, even when they differ only in case. Keys outside the
// allow-listed character set all share the sentinel "invalid" table.
func TableFor(personaKey string) string {
	if !domain.ValidPersonaKey(personaKey) {
		return invalidTable
	}
	if personaKey != strings.ToLower(personaKey) {
		return foldedTablePrefix + hex.EncodeToString([]byte(personaKey))
	}
	return tablePrefix + personaKey
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// SQLiteStore implements HistoryStore using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite creates a new SQLite-backed history store.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `CREATE TABLE IF NOT EXISTS bot_settings (key TEXT PRIMARY KEY, value TEXT)`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create settings table: %w", err)
	}
	return nil
}

// EnsureSchema creates the turn log for personaKey if it does not exist.
func (s *SQLiteStore) EnsureSchema(ctx context.Context, personaKey string) error {
	table := TableFor(personaKey)
	query := `CREATE TABLE IF NOT EXISTS ` + quoteIdent(table) + ` (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		role TEXT NOT NULL,
		author_name TEXT,
		content TEXT NOT NULL,
		timestamp INTEGER NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create history table %s: %w", table, err)
	}
	return nil
}

// Append adds a turn to the persona's log, creating the log on first use.
func (s *SQLiteStore) Append(ctx context.Context, personaKey string, role domain.Role, author, content string) error {
	if err := validateTurn(role, content); err != nil {
		return err
	}

	table := TableFor(personaKey)
	query := `INSERT INTO ` + quoteIdent(table) + ` (role, author_name, content, timestamp) VALUES (?, ?, ?, ?)`
	insert := func() error {
		_, err := s.db.ExecContext(ctx, query, string(role), author, content, s.now().UnixMilli())
		return err
	}

	err := shared.RetryOnConflict(ctx, busyRetryAttempts, busyRetryDelay, insert)
	if shared.IsSQLiteMissingTableError(err) {
		slog.Warn("history table missing on append, recreating", "table", table)
		if err = s.EnsureSchema(ctx, personaKey); err == nil {
			err = shared.RetryOnConflict(ctx, busyRetryAttempts, busyRetryDelay, insert)
		}
	}
	if err != nil {
		return fmt.Errorf("append to %s: %w", table, err)
	}
	return nil
}

// AppendExchange records a user turn and the model reply that answered it in
// one transaction, so either both turns are stored or neither is.
func (s *SQLiteStore) AppendExchange(ctx context.Context, personaKey string, user, model domain.Turn) error {
	for _, t := range []domain.Turn{user, model} {
		if err := validateTurn(t.Role, t.Content); err != nil {
			return err
		}
	}
	if user.Role != domain.RoleUser || model.Role != domain.RoleModel {
		return fmt.Errorf("%w: exchange must be a user turn followed by a model turn", ErrInvalidTurn)
	}
	if err := s.EnsureSchema(ctx, personaKey); err != nil {
		return err
	}

	table := TableFor(personaKey)
	query := `INSERT INTO ` + quoteIdent(table) + ` (role, author_name, content, timestamp) VALUES (?, ?, ?, ?)`
	err := shared.RetryOnConflict(ctx, busyRetryAttempts, busyRetryDelay, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		ts := s.now().UnixMilli()
		for _, t := range []domain.Turn{user, model} {
			if _, err := tx.ExecContext(ctx, query, string(t.Role), t.Author, t.Content, ts); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("append exchange to %s: %w", table, err)
	}
	return nil
}

func validateTurn(role domain.Role, content string) error {
	if !role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidTurn, role)
	}
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: empty content", ErrInvalidTurn)
	}
	return nil
}

// LoadTail returns the newest limit turns of the persona's log, oldest first.
func (s *SQLiteStore) LoadTail(ctx context.Context, personaKey string, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		return nil, nil
	}

	table := TableFor(personaKey)
	query := `SELECT id, role, author_name, content, timestamp FROM ` + quoteIdent(table) + ` ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if shared.IsSQLiteMissingTableError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close history rows", "table", table, "error", closeErr)
		}
	}()

	var turns []domain.Turn
	for rows.Next() {
		var (
			t      domain.Turn
			role   string
			author sql.NullString
			ts     int64
		)
		if err := rows.Scan(&t.ID, &role, &author, &t.Content, &ts); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", table, err)
		}
		r, ok := domain.ParseRole(role)
		if !ok {
			slog.Warn("skipping history row with unknown role", "table", table, "id", t.ID, "role", role)
			continue
		}
		t.Role = r
		t.Author = author.String
		t.CreatedAt = time.UnixMilli(ts)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// Clear drops the persona's turn log.
func (s *SQLiteStore) Clear(ctx context.Context, personaKey string) error {
	table := TableFor(personaKey)
	err := shared.RetryOnConflict(ctx, busyRetryAttempts, busyRetryDelay, func() error {
		_, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+quoteIdent(table))
		return err
	})
	if err != nil {
		return fmt.Errorf("drop %s: %w", table, err)
	}
	return nil
}

// GetSetting returns the value stored under key.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value FROM bot_settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return value.String, true, nil
}

// SetSetting upserts a setting.
func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO bot_settings (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	err := shared.RetryOnConflict(ctx, busyRetryAttempts, busyRetryDelay, func() error {
		_, err := s.db.ExecContext(ctx, query, key, value)
		return err
	})
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

var _ HistoryStore = (*SQLiteStore)(nil)
