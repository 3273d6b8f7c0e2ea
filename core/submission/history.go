package submission

import (
	"strconv"

	"github.com/vadiminshakov/subbridge/core/dto"
)

// historyKey identifies a decided action: subject:timestamp.
func historyKey(subjectID string, timestamp float64) string {
	return subjectID + ":" + strconv.FormatFloat(timestamp, 'f', -1, 64)
}

// dedupKey identifies a logical action: subject:timestamp:subKind.
func dedupKey(item dto.QueueItem) string {
	return historyKey(item.SubjectID, item.Timestamp) + ":" + item.SubKind
}

// history is a bounded, insertion-ordered record of completed submissions.
// Recording an existing key moves it to the newest position.
type history struct {
	limit   int
	entries []dto.HistoryEntry
}

func newHistory(limit int) *history {
	return &history{limit: limit}
}

func (h *history) record(entry dto.HistoryEntry) {
	for i := range h.entries {
		if h.entries[i].Key == entry.Key {
			h.entries = append(h.entries[:i], h.entries[i+1:]...)
			break
		}
	}
	h.entries = append(h.entries, entry)
	if h.limit > 0 && len(h.entries) > h.limit {
		evict := len(h.entries) - h.limit
		h.entries = append([]dto.HistoryEntry(nil), h.entries[evict:]...)
	}
}

func (h *history) lookup(key string) (dto.HistoryEntry, bool) {
	for i := len(h.entries) - 1; i >= 0; i-- {
		if h.entries[i].Key == key {
			return h.entries[i], true
		}
	}
	return dto.HistoryEntry{}, false
}

func (h *history) snapshot() []dto.HistoryEntry {
	return append([]dto.HistoryEntry(nil), h.entries...)
}
