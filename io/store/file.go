package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/subbridge/core/dto"
)

// File keeps each queue as a JSON array in dir/queue_<kind>.json, written via a
// temporary file and rename.
type File struct {
	dir string
	mu  sync.Mutex
}

func NewFile(dir string) (*File, error) {
	if dir == "" {
		return nil, errors.Wrap(ErrInvalidDSN, "file store dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create queue directory")
	}
	return &File{dir: dir}, nil
}

func (f *File) path(kind dto.Kind) string {
	return filepath.Join(f.dir, "queue_"+string(kind)+".json")
}

func (f *File) Load(_ context.Context, kind dto.Kind) ([]dto.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path(kind))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read %s queue", kind)
	}

	var items []dto.QueueItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, errors.Wrapf(err, "decode %s queue", kind)
	}
	return items, nil
}

func (f *File) Save(_ context.Context, kind dto.Kind, items []dto.QueueItem) error {
	if items == nil {
		items = []dto.QueueItem{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return errors.Wrapf(err, "encode %s queue", kind)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.path(kind)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "write %s queue", kind)
	}
	return errors.Wrapf(os.Rename(tmp, path), "replace %s queue", kind)
}

func (f *File) Close() error {
	return nil
}
