package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite persists the document tree through restarts. The live tree and all
// subscription fan-out stay in the embedded Memory store; every committed
// write is flushed as a snapshot row. This is the backing used when the
// agent hosts the store itself (development and bench setups); against a
// hosted real-time backend a remote adapter implements Store instead.
type SQLite struct {
	mem    *Memory
	db     *sql.DB
	logger *slog.Logger
}

func OpenSQLite(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	s := &SQLite{mem: NewMemory(), db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.restore(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) migrate(ctx context.Context) error {
	statements := []string{
		`PRAGMA journal_mode = WAL;`,
		`CREATE TABLE IF NOT EXISTS document_tree (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			body TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate failed: %w", err)
		}
	}
	return nil
}

func (s *SQLite) restore(ctx context.Context) error {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM document_tree WHERE id = 1`).Scan(&body)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.mem.LoadRoot([]byte(body)); err != nil {
		return err
	}
	if s.logger != nil {
		s.logger.Info("restored document tree", "bytes", len(body))
	}
	return nil
}

func (s *SQLite) flush(ctx context.Context) error {
	body := s.mem.ExportRoot()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_tree (id, body, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		string(body), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil && s.logger != nil {
		s.logger.Error("store flush failed", "err", err)
	}
	return err
}

func (s *SQLite) Get(ctx context.Context, path string) ([]byte, error) {
	return s.mem.Get(ctx, path)
}

func (s *SQLite) Set(ctx context.Context, path string, value any) error {
	if err := s.mem.Set(ctx, path, value); err != nil {
		return err
	}
	return s.flush(ctx)
}

func (s *SQLite) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := s.mem.Update(ctx, path, fields); err != nil {
		return err
	}
	return s.flush(ctx)
}

func (s *SQLite) Transact(ctx context.Context, path string, fn TxFunc) (bool, error) {
	committed, err := s.mem.Transact(ctx, path, fn)
	if err != nil || !committed {
		return committed, err
	}
	return true, s.flush(ctx)
}

func (s *SQLite) Push(ctx context.Context, path string, value any) (string, error) {
	id, err := s.mem.Push(ctx, path, value)
	if err != nil {
		return "", err
	}
	return id, s.flush(ctx)
}

func (s *SQLite) Subscribe(ctx context.Context, path string) (<-chan []byte, CancelFunc, error) {
	return s.mem.Subscribe(ctx, path)
}

func (s *SQLite) SubscribeWindow(ctx context.Context, path string, limit int) (<-chan []Child, CancelFunc, error) {
	return s.mem.SubscribeWindow(ctx, path, limit)
}

func (s *SQLite) ServerTimeOffset(ctx context.Context) (<-chan int64, CancelFunc, error) {
	return s.mem.ServerTimeOffset(ctx)
}

// SetServerTimeOffset mirrors Memory's oracle feed; the self-hosted store is
// its own time authority, so the offset stays 0 unless a test injects drift.
func (s *SQLite) SetServerTimeOffset(offset int64) {
	s.mem.SetServerTimeOffset(offset)
}
