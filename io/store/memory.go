package store

import (
	"context"
	"sync"

	"github.com/vadiminshakov/subbridge/core/dto"
)

// Memory keeps queues in process memory. Nothing survives a restart.
type Memory struct {
	mu     sync.RWMutex
	queues map[dto.Kind][]dto.QueueItem
}

func NewMemory() *Memory {
	return &Memory{queues: make(map[dto.Kind][]dto.QueueItem)}
}

func (m *Memory) Load(_ context.Context, kind dto.Kind) ([]dto.QueueItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneItems(m.queues[kind]), nil
}

func (m *Memory) Save(_ context.Context, kind dto.Kind, items []dto.QueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(items) == 0 {
		delete(m.queues, kind)
		return nil
	}
	m.queues[kind] = cloneItems(items)
	return nil
}

func (m *Memory) Close() error {
	return nil
}
