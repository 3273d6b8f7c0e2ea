package journal

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/subbridge/core/dto"
	"github.com/vmihailenco/msgpack/v5"
)

// keyPrefix namespaces history records in the WAL.
const keyPrefix = "history:"

func recordKey(kind dto.Kind) string {
	return keyPrefix + string(kind)
}

// Encode serializes a history entry for the WAL.
func Encode(entry dto.HistoryEntry) (string, []byte, error) {
	value, err := msgpack.Marshal(entry)
	if err != nil {
		return "", nil, errors.Wrap(err, "encode history entry")
	}
	return recordKey(entry.Kind), value, nil
}

// Decode deserializes a WAL record. ok is false for records that are not history entries.
func Decode(key string, value []byte) (entry dto.HistoryEntry, ok bool, err error) {
	if !strings.HasPrefix(key, keyPrefix) || len(value) == 0 {
		return dto.HistoryEntry{}, false, nil
	}
	if err := msgpack.Unmarshal(value, &entry); err != nil {
		return dto.HistoryEntry{}, false, errors.Wrapf(err, "decode history entry %s", key)
	}
	return entry, true, nil
}
