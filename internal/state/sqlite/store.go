// Package sqlite provides a state store that keeps one SQLite database file per
// crawl group, so unrelated sources never share a file or a lock.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // register the sqlite3 driver

	"github.com/IINGS/Crawler/internal/crawler"
)

const fileSuffix = ".db"

var validGroup = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]*$`)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoint (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	cursor TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS records (
	key TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	last_seen TIMESTAMP NOT NULL
);`

// Config points the store at its directory.
type Config struct {
	Dir string
}

// Store lazily opens one database per group under Dir.
type Store struct {
	dir string

	mu  sync.Mutex
	dbs map[string]*sqlx.DB
}

// New creates the state directory if needed.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{dir: cfg.Dir, dbs: make(map[string]*sqlx.DB)}, nil
}

func (s *Store) db(group string) (*sqlx.DB, error) {
	if !validGroup.MatchString(group) {
		return nil, fmt.Errorf("invalid group name %q", group)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[group]; ok {
		return db, nil
	}
	path := filepath.Join(s.dir, group+fileSuffix)
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_txlock=immediate", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// Writes within a group are serialized through one connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close() //nolint:errcheck // schema error takes precedence
		return nil, fmt.Errorf("init %s: %w", path, err)
	}
	s.dbs[group] = db
	return db, nil
}

// LoadCheckpoint returns the group's cursor or the zero cursor.
func (s *Store) LoadCheckpoint(ctx context.Context, group string) (crawler.Cursor, error) {
	db, err := s.db(group)
	if err != nil {
		return crawler.Cursor{}, err
	}
	var raw string
	err = db.GetContext(ctx, &raw, "SELECT cursor FROM checkpoint WHERE id = 1")
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.Cursor{}, nil
	}
	if err != nil {
		return crawler.Cursor{}, fmt.Errorf("load checkpoint %s: %w", group, err)
	}
	cursor, err := crawler.ParseCursor(raw)
	if err != nil {
		return crawler.Cursor{}, fmt.Errorf("load checkpoint %s: %w", group, err)
	}
	return cursor, nil
}

// SaveCheckpoint replaces the single checkpoint row. The write is synced
// before the call returns.
func (s *Store) SaveCheckpoint(ctx context.Context, group string, cursor crawler.Cursor) error {
	db, err := s.db(group)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO checkpoint (id, cursor, updated_at) VALUES (1, ?, ?)
ON CONFLICT(id) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at`,
		cursor.String(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", group, err)
	}
	return nil
}

// ResetCheckpoint removes the checkpoint row.
func (s *Store) ResetCheckpoint(ctx context.Context, group string) error {
	db, err := s.db(group)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "DELETE FROM checkpoint"); err != nil {
		return fmt.Errorf("reset checkpoint %s: %w", group, err)
	}
	return nil
}

// Checkpoints loads the cursor of every group that has a database file.
func (s *Store) Checkpoints(ctx context.Context) (map[string]crawler.Cursor, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read state dir: %w", err)
	}
	out := make(map[string]crawler.Cursor)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		group := strings.TrimSuffix(name, fileSuffix)
		cursor, err := s.LoadCheckpoint(ctx, group)
		if err != nil {
			return nil, err
		}
		out[group] = cursor
	}
	return out, nil
}

// Classify compares and upserts the fingerprint for key inside an immediate
// transaction.
func (s *Store) Classify(ctx context.Context, group, key, fingerprint string, at time.Time) (crawler.Classification, error) {
	db, err := s.db(group)
	if err != nil {
		return "", err
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin classify: %w", err)
	}
	class, err := classifyTx(ctx, tx, key, fingerprint, at)
	if err != nil {
		_ = tx.Rollback() //nolint:errcheck // the classify error is the one worth returning
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit classify: %w", err)
	}
	return class, nil
}

func classifyTx(ctx context.Context, tx *sqlx.Tx, key, fingerprint string, at time.Time) (crawler.Classification, error) {
	var prev string
	err := tx.GetContext(ctx, &prev, "SELECT fingerprint FROM records WHERE key = ?", key)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO records (key, fingerprint, last_seen) VALUES (?, ?, ?)", key, fingerprint, at); err != nil {
			return "", fmt.Errorf("insert seen: %w", err)
		}
		return crawler.ClassNew, nil
	case err != nil:
		return "", fmt.Errorf("lookup seen: %w", err)
	case prev == fingerprint:
		if _, err := tx.ExecContext(ctx, "UPDATE records SET last_seen = ? WHERE key = ?", at, key); err != nil {
			return "", fmt.Errorf("touch seen: %w", err)
		}
		return crawler.ClassUnchanged, nil
	default:
		if _, err := tx.ExecContext(ctx,
			"UPDATE records SET fingerprint = ?, last_seen = ? WHERE key = ?", fingerprint, at, key); err != nil {
			return "", fmt.Errorf("update seen: %w", err)
		}
		return crawler.ClassChanged, nil
	}
}

// LastSeen reports when key was last classified in group.
func (s *Store) LastSeen(ctx context.Context, group, key string) (time.Time, error) {
	db, err := s.db(group)
	if err != nil {
		return time.Time{}, err
	}
	var at time.Time
	err = db.GetContext(ctx, &at, "SELECT last_seen FROM records WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, crawler.ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("last seen: %w", err)
	}
	return at, nil
}

// ResetSeen deletes every record of group.
func (s *Store) ResetSeen(ctx context.Context, group string) error {
	db, err := s.db(group)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "DELETE FROM records"); err != nil {
		return fmt.Errorf("reset seen %s: %w", group, err)
	}
	return nil
}

// Close closes every open database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for group, db := range s.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", group, err))
		}
		delete(s.dbs, group)
	}
	return errors.Join(errs...)
}
