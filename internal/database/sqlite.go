package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/wpinney/testchat/internal/chat"
	"github.com/wpinney/testchat/internal/database/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements chat.MessageStore using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	path  string
	clock chat.Clock
}

// NewSQLiteStore opens the database at path. path can be a file path or
// MemoryPath. The schema is not touched; call MigrateUp or CheckMigrations.
func NewSQLiteStore(path string, clock chat.Clock) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	return &SQLiteStore{db: db, path: path, clock: clock}, nil
}

// NewSQLiteStoreFromDB wraps an existing database connection.
// The caller is responsible for ensuring the connection is properly configured.
func NewSQLiteStoreFromDB(db *sql.DB, clock chat.Clock) *SQLiteStore {
	return &SQLiteStore{db: db, clock: clock}
}

// OpenConnection opens and configures a SQLite database connection.
// File databases get WAL journaling and a busy timeout so the CLI and a
// running watcher can share them; in-memory databases are pinned to a
// single connection because each connection would see its own database.
func OpenConnection(path string) (*sql.DB, error) {
	dsn := path
	if path != MemoryPath {
		dsn = "file:" + path + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path == MemoryPath {
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return db, nil
}

func storageErr(op string, err error) error {
	return &chat.StorageError{Op: op, Err: err}
}

const messageColumns = "id, content, sender, created_at, git_hash, is_synced"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*chat.Message, error) {
	var (
		m      chat.Message
		synced bool
	)
	if err := row.Scan(&m.ID, &m.Content, &m.Sender, &m.CreatedAt, &m.CommitHash, &synced); err != nil {
		return nil, err
	}
	if synced {
		m.SyncState = chat.Synced
	}
	return &m, nil
}

func (s *SQLiteStore) queryMessages(ctx context.Context, op, query string, args ...any) ([]*chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	var result []*chat.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return result, nil
}

// Message operations

func (s *SQLiteStore) AddMessage(ctx context.Context, content, sender string) (int64, error) {
	if strings.TrimSpace(content) == "" || strings.TrimSpace(sender) == "" {
		return 0, chat.ErrEmptyMessage
	}
	if !utf8.ValidString(content) || !utf8.ValidString(sender) {
		return 0, chat.ErrInvalidEncoding
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (content, sender, created_at, is_synced) VALUES (?, ?, ?, 0)",
		content, sender, s.clock.Now().UTC(),
	)
	if err != nil {
		return 0, storageErr("add message", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("add message", err)
	}
	return id, nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id int64) (*chat.Message, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, storageErr("get message", err)
	}
	return m, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, limit int) ([]*chat.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryMessages(ctx, "list messages",
		"SELECT "+messageColumns+" FROM messages ORDER BY created_at DESC, id DESC LIMIT ?", limit)
}

func (s *SQLiteStore) ListUnsynced(ctx context.Context) ([]*chat.Message, error) {
	return s.queryMessages(ctx, "list unsynced",
		"SELECT "+messageColumns+" FROM messages WHERE is_synced = 0 ORDER BY created_at ASC, id ASC")
}

// MarkSynced uses a conditional update so two racing writers can never both
// transition the same row.
func (s *SQLiteStore) MarkSynced(ctx context.Context, id int64, commitHash string) (bool, error) {
	if commitHash == "" {
		return false, storageErr("mark synced", errors.New("commit hash is required"))
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET git_hash = ?, is_synced = 1 WHERE id = ? AND is_synced = 0",
		commitHash, id,
	)
	if err != nil {
		return false, storageErr("mark synced", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("mark synced", err)
	}
	return n > 0, nil
}

// Sync pass tracking

func (s *SQLiteStore) CreateSyncPass(ctx context.Context, pass *chat.SyncPass) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sync_passes (id, started_at, status) VALUES (?, ?, ?)",
		pass.ID, pass.StartedAt.UTC(), pass.Status,
	)
	if err != nil {
		return storageErr("create sync pass", err)
	}
	return nil
}

func (s *SQLiteStore) FinishSyncPass(ctx context.Context, pass *chat.SyncPass) error {
	var finished sql.NullTime
	if pass.FinishedAt.Valid {
		finished = sql.NullTime{Time: pass.FinishedAt.Time.UTC(), Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_passes
		 SET finished_at = ?, attempted = ?, succeeded = ?, status = ?, error = ?
		 WHERE id = ?`,
		finished, pass.Attempted, pass.Succeeded, pass.Status, pass.Error, pass.ID,
	)
	if err != nil {
		return storageErr("finish sync pass", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("finish sync pass", err)
	}
	if n == 0 {
		return storageErr("finish sync pass", fmt.Errorf("sync pass %s not found", pass.ID))
	}
	return nil
}

func (s *SQLiteStore) ListSyncPasses(ctx context.Context, limit int) ([]*chat.SyncPass, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, attempted, succeeded, status, error
		 FROM sync_passes ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("list sync passes", err)
	}
	defer rows.Close()

	var result []*chat.SyncPass
	for rows.Next() {
		var p chat.SyncPass
		if err := rows.Scan(&p.ID, &p.StartedAt, &p.FinishedAt, &p.Attempted, &p.Succeeded, &p.Status, &p.Error); err != nil {
			return nil, storageErr("list sync passes", err)
		}
		result = append(result, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list sync passes", err)
	}
	return result, nil
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteStore) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteStore) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// MigrateUp applies any pending schema migrations.
func (s *SQLiteStore) MigrateUp() error {
	return migrations.MigrateUp(s.db)
}

// MigrationStatus reports the applied and latest schema versions.
func (s *SQLiteStore) MigrationStatus() (migrations.Status, error) {
	return migrations.GetStatus(s.db)
}

// BackupTo creates a complete copy of the database at destPath using VACUUM INTO.
func (s *SQLiteStore) BackupTo(destPath string) error {
	_, err := s.db.Exec("VACUUM INTO ?", destPath)
	if err != nil {
		return storageErr("backup", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Compile-time check that SQLiteStore implements chat.MessageStore interface
var _ chat.MessageStore = (*SQLiteStore)(nil)
