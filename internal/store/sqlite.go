package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/answerstream/internal/domain"
	"github.com/ashureev/answerstream/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteBackup implements Backup using SQLite.
type SQLiteBackup struct {
	db     *sql.DB
	saveMu sync.Mutex // serializes full rewrites to avoid SQLITE_BUSY between savers
}

// NewSQLite creates a new SQLite-backed thread backup.
func NewSQLite(dbPath string) (*SQLiteBackup, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	b := &SQLiteBackup{db: db}
	if err := b.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return b, nil
}

func (b *SQLiteBackup) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS threads (
		thread_id TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		name TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_activity INTEGER NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		first_message TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_threads_position ON threads(position);
	`
	if _, err := b.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (b *SQLiteBackup) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// Close closes the database connection.
func (b *SQLiteBackup) Close() error {
	return b.db.Close()
}

// Load returns all threads in their saved order.
func (b *SQLiteBackup) Load(ctx context.Context) ([]domain.ThreadMetadata, error) {
	query := `
		SELECT thread_id, name, created_at, last_activity, message_count, first_message
		FROM threads ORDER BY position`

	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query threads: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close thread rows", "error", closeErr)
		}
	}()

	var threads []domain.ThreadMetadata
	for rows.Next() {
		var t domain.ThreadMetadata
		var createdAt, lastActivity int64
		var firstMessage sql.NullString
		if err := rows.Scan(&t.ThreadID, &t.Name, &createdAt, &lastActivity, &t.MessageCount, &firstMessage); err != nil {
			return nil, fmt.Errorf("scan thread row: %w", err)
		}
		t.CreatedAt = time.UnixMilli(createdAt).UTC()
		t.LastActivity = time.UnixMilli(lastActivity).UTC()
		t.FirstMessage = firstMessage.String
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate thread rows: %w", err)
	}
	return threads, nil
}

// Save replaces the table contents with the given threads, retrying on
// SQLITE_BUSY with exponential backoff.
func (b *SQLiteBackup) Save(ctx context.Context, threads []domain.ThreadMetadata) error {
	b.saveMu.Lock()
	defer b.saveMu.Unlock()

	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = b.replaceAll(ctx, threads)
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms, 200ms
		slog.Debug("Thread backup save hit a locked database, retrying",
			"attempt", i+1,
			"delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("save threads after %d attempts: %w", maxRetries, err)
}

func (b *SQLiteBackup) replaceAll(ctx context.Context, threads []domain.ThreadMetadata) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		// Rollback after Commit returns sql.ErrTxDone, which is fine.
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM threads`); err != nil {
		return fmt.Errorf("clear threads: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO threads (thread_id, position, name, created_at, last_activity, message_count, first_message)
	VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, t := range threads {
		var firstMessage interface{}
		if t.FirstMessage != "" {
			firstMessage = t.FirstMessage
		}
		if _, err := stmt.ExecContext(ctx,
			t.ThreadID, i, t.Name,
			t.CreatedAt.UnixMilli(), t.LastActivity.UnixMilli(),
			t.MessageCount, firstMessage,
		); err != nil {
			return fmt.Errorf("insert thread %s: %w", t.ThreadID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit threads: %w", err)
	}
	return nil
}
