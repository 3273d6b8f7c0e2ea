// Package store persists the submission queues.
//
// Every backend keeps one array of queue items per kind (queue:vote, queue:translation)
// and replaces it as a whole on Save, so a restarted process resumes draining exactly
// what was left.
package store

import (
	"context"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/subbridge/core/dto"
)

// ErrInvalidDSN is returned by Open for a DSN it cannot interpret.
var ErrInvalidDSN = errors.New("invalid store dsn")

// QueueStore persists queue arrays keyed by kind.
type QueueStore interface {
	// Load returns the persisted items of kind, or nil if nothing was saved yet.
	Load(ctx context.Context, kind dto.Kind) ([]dto.QueueItem, error)
	// Save replaces the persisted items of kind.
	Save(ctx context.Context, kind dto.Kind, items []dto.QueueItem) error
	Close() error
}

// Open builds a QueueStore from dsn. Supported schemes: memory://, file:///dir,
// badger:///dir, sqlite:///file.db and postgres://. An empty dsn yields a memory store.
func Open(dsn string) (QueueStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemory(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse store dsn")
	}

	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemory(), nil
	case "postgres", "postgresql":
		return NewPostgres(dsn)
	}

	path, err := dsnPath(parsed, dsn)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "", "file":
		return NewFile(path)
	case "badger":
		return NewBadger(path)
	case "sqlite", "sqlite3":
		return NewSQLite(path)
	default:
		return nil, errors.Wrapf(ErrInvalidDSN, "unsupported scheme %q", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return raw, nil
	}
	path := parsed.Host + parsed.Path
	if path == "" {
		path = parsed.Opaque
	}
	if strings.TrimSpace(path) == "" {
		return "", errors.Wrapf(ErrInvalidDSN, "%q has no path", raw)
	}
	return path, nil
}

func queueKey(kind dto.Kind) string {
	return "queue:" + string(kind)
}

func cloneItems(items []dto.QueueItem) []dto.QueueItem {
	if items == nil {
		return nil
	}
	out := make([]dto.QueueItem, len(items))
	for i := range items {
		out[i] = items[i]
		out[i].Payload = cloneBytes(items[i].Payload)
	}
	return out
}

func cloneBytes(src []byte) []byte {
	if src == nil {
		return nil
	}

	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}
