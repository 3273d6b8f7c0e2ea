// Package journal keeps a durable, append-only log of completed submissions on top of a
// segmented write-ahead log, so decided actions survive restarts.
package journal

import (
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/gowal"
	"github.com/vadiminshakov/subbridge/core/dto"
)

const (
	segmentThreshold = 1024 * 1024
	maxSegments      = 10
)

// Journal appends history entries to a WAL and replays them in append order.
type Journal struct {
	wal *gowal.Wal

	mu   sync.Mutex
	next uint64
}

// Open opens (or creates) the journal in dir and positions it after the last record.
func Open(dir string) (*Journal, error) {
	if dir == "" {
		return nil, errors.New("journal dir is empty")
	}

	w, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "history_",
		SegmentThreshold: segmentThreshold,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open history wal")
	}

	j := &Journal{wal: w}
	var (
		maxIndex   uint64
		hasEntries bool
	)
	for msg := range w.Iterator() {
		hasEntries = true
		if msg.Idx > maxIndex {
			maxIndex = msg.Idx
		}
	}
	if hasEntries {
		j.next = maxIndex + 1
	}
	return j, nil
}

// Append writes entry at the next index.
func (j *Journal) Append(entry dto.HistoryEntry) error {
	key, value, err := Encode(entry)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.wal.Write(j.next, key, value); err != nil {
		return errors.Wrapf(err, "append history entry %d", j.next)
	}
	j.next++
	return nil
}

// Replay calls fn for every recorded entry, oldest first. Undecodable records are
// skipped and logged.
func (j *Journal) Replay(fn func(dto.HistoryEntry)) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for msg := range j.wal.Iterator() {
		entry, ok, err := Decode(msg.Key, msg.Value)
		if err != nil {
			log.Warnf("skipping journal record %d: %v", msg.Idx, err)
			continue
		}
		if ok {
			fn(entry)
		}
	}
	return nil
}

// Len returns the number of records written so far.
func (j *Journal) Len() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.next
}

// Close closes the underlying WAL.
func (j *Journal) Close() error {
	return j.wal.Close()
}
