package store

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/subbridge/core/dto"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS queues (
	queue_key  TEXT PRIMARY KEY,
	items      TEXT NOT NULL,
	updated_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
)`

// SQLite keeps each queue as a JSON document in one row per kind.
// Uses WAL mode with a single connection, since SQLite allows one writer at a time.
type SQLite struct {
	db *sql.DB
}

// NewSQLite creates or opens the database at path.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "connect sqlite")
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		sqliteSchema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "apply %q", stmt)
		}
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Load(ctx context.Context, kind dto.Kind) ([]dto.QueueItem, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, "SELECT items FROM queues WHERE queue_key = ?", queueKey(kind)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load %s queue", kind)
	}

	var items []dto.QueueItem
	if err := json.Unmarshal([]byte(payload), &items); err != nil {
		return nil, errors.Wrapf(err, "decode %s queue", kind)
	}
	return items, nil
}

func (s *SQLite) Save(ctx context.Context, kind dto.Kind, items []dto.QueueItem) error {
	if items == nil {
		items = []dto.QueueItem{}
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return errors.Wrapf(err, "encode %s queue", kind)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO queues (queue_key, items, updated_at)
		VALUES (?, ?, strftime('%s', 'now'))
		ON CONFLICT (queue_key)
		DO UPDATE SET items = excluded.items, updated_at = excluded.updated_at`,
		queueKey(kind), string(payload))
	return errors.Wrapf(err, "save %s queue", kind)
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}
