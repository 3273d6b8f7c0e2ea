package dto

import (
	"encoding/json"
	"time"
)

// Kind selects which submission queue an item belongs to.
type Kind string

const (
	KindVote        Kind = "vote"
	KindTranslation Kind = "translation"
)

// Status is the lifecycle state of a queued item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// Vote sub-kinds.
const (
	VoteUp   = "upvote"
	VoteDown = "downvote"
)

// Translation sub-kinds.
const (
	TranslationSubmit  = "submit"
	TranslationCorrect = "correct"
)

// QueueItem is one not-yet-confirmed submission.
type QueueItem struct {
	ID         string          `json:"id" msgpack:"id"`
	Kind       Kind            `json:"kind" msgpack:"kind"`
	SubjectID  string          `json:"subjectId" msgpack:"subject_id"`
	Timestamp  float64         `json:"timestamp" msgpack:"timestamp"`
	SubKind    string          `json:"subKind" msgpack:"sub_kind"`
	Payload    json.RawMessage `json:"payload" msgpack:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt" msgpack:"enqueued_at"`
	RetryCount int             `json:"retryCount" msgpack:"retry_count"`
	Status     Status          `json:"status" msgpack:"status"`
	LastError  string          `json:"lastError,omitempty" msgpack:"last_error"`
}

// VoteParams is the payload of VOTE_ENQUEUE.
type VoteParams struct {
	VideoID   string  `json:"videoID"`
	Timestamp float64 `json:"timestamp"`
	VoteType  string  `json:"voteType"`
}

// TranslationParams is the payload of TRANSLATION_ENQUEUE.
type TranslationParams struct {
	VideoID   string  `json:"videoID"`
	Timestamp float64 `json:"timestamp"`
	Language  string  `json:"language"`
	Text      string  `json:"text"`
	Action    string  `json:"action"`
}

// Ack is returned by an enqueue operation.
type Ack struct {
	Queued        bool            `json:"queued"`
	QueuePosition int             `json:"queuePosition,omitempty"`
	ItemID        string          `json:"itemId,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
}

// HistoryEntry records one completed submission.
type HistoryEntry struct {
	Key         string    `json:"key" msgpack:"key"`
	Kind        Kind      `json:"kind" msgpack:"kind"`
	SubKind     string    `json:"subKind" msgpack:"sub_kind"`
	Status      Status    `json:"status" msgpack:"status"`
	Attempts    int       `json:"attempts" msgpack:"attempts"`
	CompletedAt time.Time `json:"completedAt" msgpack:"completed_at"`
	Error       string    `json:"error,omitempty" msgpack:"error"`
}

// Stats accumulates for the process lifetime.
type Stats struct {
	Total      uint64 `json:"total"`
	Duplicates uint64 `json:"duplicates"`
	Queued     uint64 `json:"queued"`
	Success    uint64 `json:"success"`
	Failure    uint64 `json:"failure"`
}

// StatusRequest is the payload of *_GET_STATUS.
type StatusRequest struct {
	VideoID   string  `json:"videoID"`
	Timestamp float64 `json:"timestamp"`
}

// StatusResponse answers *_GET_STATUS.
type StatusResponse struct {
	Found   bool          `json:"found"`
	Queued  bool          `json:"queued"`
	Entry   *HistoryEntry `json:"entry,omitempty"`
	Pending *QueueItem    `json:"pending,omitempty"`
}

// QueueStats answers GET_QUEUE_STATS.
type QueueStats struct {
	Vote        Stats `json:"vote"`
	Translation Stats `json:"translation"`
	VoteQueue   int   `json:"voteQueue"`
	TransQueue  int   `json:"translationQueue"`
}

// AllPending answers GET_ALL_PENDING.
type AllPending struct {
	Vote        []QueueItem `json:"vote"`
	Translation []QueueItem `json:"translation"`
}
