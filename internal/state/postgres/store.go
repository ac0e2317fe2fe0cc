// Package postgres provides a Postgres-backed state store. All groups share two
// tables partitioned by a group_name column.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/IINGS/Crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table naming.
type Config struct {
	DSN             string
	TablePrefix     string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pgxIface interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store persists checkpoints and seen-sets in Postgres.
type Store struct {
	pool        pgxIface
	checkpoints string
	seen        string
}

// New connects to Postgres and ensures the schema exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("state.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(pool, cfg.TablePrefix)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool pgxIface, prefix string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if prefix == "" {
		prefix = "crawl"
	}
	if !validTableName.MatchString(prefix) {
		return nil, fmt.Errorf("invalid table prefix %q", prefix)
	}
	return &Store{
		pool:        pool,
		checkpoints: prefix + "_checkpoints",
		seen:        prefix + "_seen",
	}, nil
}

// EnsureSchema creates the state tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	group_name TEXT PRIMARY KEY,
	cursor TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.checkpoints),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	group_name TEXT NOT NULL,
	identity_key TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	last_seen TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (group_name, identity_key)
)`, s.seen),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// LoadCheckpoint returns the group's cursor or the zero cursor.
func (s *Store) LoadCheckpoint(ctx context.Context, group string) (crawler.Cursor, error) {
	var raw string
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT cursor FROM %s WHERE group_name = $1", s.checkpoints), group,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Cursor{}, nil
	}
	if err != nil {
		return crawler.Cursor{}, fmt.Errorf("load checkpoint: %w", err)
	}
	cursor, err := crawler.ParseCursor(raw)
	if err != nil {
		return crawler.Cursor{}, fmt.Errorf("load checkpoint: %w", err)
	}
	return cursor, nil
}

// SaveCheckpoint upserts the group's cursor in a single statement.
func (s *Store) SaveCheckpoint(ctx context.Context, group string, cursor crawler.Cursor) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (group_name, cursor, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (group_name) DO UPDATE SET cursor = EXCLUDED.cursor, updated_at = EXCLUDED.updated_at`, s.checkpoints),
		group, cursor.String())
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// ResetCheckpoint deletes the group's cursor.
func (s *Store) ResetCheckpoint(ctx context.Context, group string) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE group_name = $1", s.checkpoints), group); err != nil {
		return fmt.Errorf("reset checkpoint: %w", err)
	}
	return nil
}

// Checkpoints lists every stored cursor.
func (s *Store) Checkpoints(ctx context.Context) (map[string]crawler.Cursor, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf("SELECT group_name, cursor FROM %s ORDER BY group_name", s.checkpoints))
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()
	out := make(map[string]crawler.Cursor)
	for rows.Next() {
		var group, raw string
		if err := rows.Scan(&group, &raw); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cursor, err := crawler.ParseCursor(raw)
		if err != nil {
			return nil, fmt.Errorf("list checkpoints: %w", err)
		}
		out[group] = cursor
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return out, nil
}

// Classify locks the key's row, compares fingerprints and upserts within one transaction.
func (s *Store) Classify(ctx context.Context, group, key, fingerprint string, at time.Time) (crawler.Classification, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin classify: %w", err)
	}
	class, err := s.classifyTx(ctx, tx, group, key, fingerprint, at)
	if err != nil {
		_ = tx.Rollback(ctx) //nolint:errcheck // the classify error is the one worth returning
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit classify: %w", err)
	}
	return class, nil
}

func (s *Store) classifyTx(
	ctx context.Context,
	tx pgx.Tx,
	group, key, fingerprint string,
	at time.Time,
) (crawler.Classification, error) {
	var prev string
	err := tx.QueryRow(ctx,
		fmt.Sprintf("SELECT fingerprint FROM %s WHERE group_name = $1 AND identity_key = $2 FOR UPDATE", s.seen),
		group, key,
	).Scan(&prev)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		_, err = tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (group_name, identity_key, fingerprint, last_seen)
VALUES ($1, $2, $3, $4)
ON CONFLICT (group_name, identity_key) DO UPDATE SET fingerprint = EXCLUDED.fingerprint, last_seen = EXCLUDED.last_seen`, s.seen),
			group, key, fingerprint, at)
		if err != nil {
			return "", fmt.Errorf("insert seen: %w", err)
		}
		return crawler.ClassNew, nil
	case err != nil:
		return "", fmt.Errorf("lookup seen: %w", err)
	case prev == fingerprint:
		_, err = tx.Exec(ctx,
			fmt.Sprintf("UPDATE %s SET last_seen = $3 WHERE group_name = $1 AND identity_key = $2", s.seen),
			group, key, at)
		if err != nil {
			return "", fmt.Errorf("touch seen: %w", err)
		}
		return crawler.ClassUnchanged, nil
	default:
		_, err = tx.Exec(ctx,
			fmt.Sprintf("UPDATE %s SET fingerprint = $3, last_seen = $4 WHERE group_name = $1 AND identity_key = $2", s.seen),
			group, key, fingerprint, at)
		if err != nil {
			return "", fmt.Errorf("update seen: %w", err)
		}
		return crawler.ClassChanged, nil
	}
}

// ResetSeen deletes every seen-set row of group.
func (s *Store) ResetSeen(ctx context.Context, group string) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE group_name = $1", s.seen), group); err != nil {
		return fmt.Errorf("reset seen: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
