package store

import (
	"context"
	stdErrors "errors"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/subbridge/core/dto"
	"github.com/vmihailenco/msgpack/v5"
)

// Badger keeps each queue as one msgpack-encoded value under queue:<kind>.
type Badger struct {
	db *badger.DB
	mu sync.RWMutex
}

// NewBadger opens (or creates) a badger database in dir.
func NewBadger(dir string) (*Badger, error) {
	if dir == "" {
		return nil, errors.Wrap(ErrInvalidDSN, "badger dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create badger directory")
	}

	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, errors.Wrap(err, "open badger db")
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Load(_ context.Context, kind dto.Kind) ([]dto.QueueItem, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var items []dto.QueueItem
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(queueKey(kind)))
		if err != nil {
			if stdErrors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &items)
		})
	})
	if err != nil {
		return nil, errors.Wrapf(err, "load %s queue", kind)
	}
	return items, nil
}

func (b *Badger) Save(_ context.Context, kind dto.Kind, items []dto.QueueItem) error {
	key := []byte(queueKey(kind))

	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.db.Update(func(txn *badger.Txn) error {
		if len(items) == 0 {
			if err := txn.Delete(key); err != nil && !stdErrors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			return nil
		}
		value, err := msgpack.Marshal(items)
		if err != nil {
			return err
		}
		return txn.Set(key, value)
	})
	return errors.Wrapf(err, "save %s queue", kind)
}

// Close closes the underlying Badger database.
func (b *Badger) Close() error {
	return b.db.Close()
}
