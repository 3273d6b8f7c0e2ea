// Package submission implements the offline-tolerant submission queues for votes and
// translations.
//
// A Manager validates and deduplicates an action, then either submits it right away
// (with linear backoff) or appends it to a bounded FIFO queue that is drained one item
// at a time once the link allows it. Completed submissions land in a bounded history.
package submission

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/subbridge/core/correlation"
	"github.com/vadiminshakov/subbridge/core/dto"
	"github.com/vadiminshakov/subbridge/core/errs"
)

// Sender is the request primitive queued items are submitted through.
//
//go:generate mockgen -destination=../../mocks/mock_sender.go -package=mocks . Sender
type Sender interface {
	Send(ctx context.Context, msgType string, payload any, opts ...correlation.SendOption) (json.RawMessage, error)
}

// Store persists the queue array of one kind.
//
//go:generate mockgen -destination=../../mocks/mock_store.go -package=mocks . Store
type Store interface {
	Load(ctx context.Context, kind dto.Kind) ([]dto.QueueItem, error)
	Save(ctx context.Context, kind dto.Kind, items []dto.QueueItem) error
}

// Journal durably records completed submissions.
type Journal interface {
	Append(entry dto.HistoryEntry) error
	Replay(fn func(dto.HistoryEntry)) error
}

// Settings tunes a Manager.
type Settings struct {
	DedupWindow       time.Duration `yaml:"dedup_window" toml:"dedup_window"`
	QueueLimit        int           `yaml:"queue_limit" toml:"queue_limit"`
	MaxRetries        int           `yaml:"max_retries" toml:"max_retries"`
	ImmediateAttempts int           `yaml:"immediate_attempts" toml:"immediate_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay" toml:"base_delay"`
	BatchSize         int           `yaml:"batch_size" toml:"batch_size"`
	BatchDelay        time.Duration `yaml:"batch_delay" toml:"batch_delay"`
	HistoryLimit      int           `yaml:"history_limit" toml:"history_limit"`
	MaxInFlight       int           `yaml:"max_in_flight" toml:"max_in_flight"`
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		DedupWindow:       5 * time.Minute,
		QueueLimit:        100,
		MaxRetries:        3,
		ImmediateAttempts: 3,
		BaseDelay:         time.Second,
		BatchSize:         5,
		BatchDelay:        100 * time.Millisecond,
		HistoryLimit:      100,
		MaxInFlight:       1,
	}
}

// withDefaults fills zero fields from DefaultSettings.
func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.DedupWindow <= 0 {
		s.DedupWindow = d.DedupWindow
	}
	if s.QueueLimit <= 0 {
		s.QueueLimit = d.QueueLimit
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = d.MaxRetries
	}
	if s.ImmediateAttempts <= 0 {
		s.ImmediateAttempts = d.ImmediateAttempts
	}
	if s.BaseDelay < 0 {
		s.BaseDelay = 0
	}
	if s.BatchSize <= 0 {
		s.BatchSize = d.BatchSize
	}
	if s.BatchDelay < 0 {
		s.BatchDelay = 0
	}
	if s.HistoryLimit <= 0 {
		s.HistoryLimit = d.HistoryLimit
	}
	if s.MaxInFlight <= 0 {
		s.MaxInFlight = d.MaxInFlight
	}
	return s
}

// Option configures a Manager.
type Option func(*Manager)

// WithSettings replaces the tuning knobs. Zero fields keep their defaults.
func WithSettings(s Settings) Option {
	return func(m *Manager) { m.settings = s.withDefaults() }
}

// WithStore persists the queue on every change and restores it on start.
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithJournal records history entries durably and replays them on start.
func WithJournal(j Journal) Option {
	return func(m *Manager) { m.journal = j }
}

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithConnectivity sets the probe deciding whether the remote side is reachable.
// Without it the manager assumes it is always online.
func WithConnectivity(online func() bool) Option {
	return func(m *Manager) { m.online = online }
}

// Manager owns one submission queue with its history, dedup table and stats.
type Manager struct {
	kind      dto.Kind
	msgType   string
	sender    Sender
	store     Store
	journal   Journal
	clock     clock.Clock
	online    func() bool
	settings  Settings
	validator *validator

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	draining atomic.Bool

	persistMu sync.Mutex

	mu       sync.Mutex
	queue    []dto.QueueItem
	inFlight int
	dedup    map[string]time.Time
	history  *history
	stats    dto.Stats
}

// NewManager creates the manager for kind and restores its persisted queue and history.
func NewManager(ctx context.Context, kind dto.Kind, sender Sender, opts ...Option) (*Manager, error) {
	msgType := dto.TypeProcessVote
	switch kind {
	case dto.KindVote:
	case dto.KindTranslation:
		msgType = dto.TypeSubmitTranslation
	default:
		return nil, errors.Errorf("unknown submission kind %q", kind)
	}

	v, err := newValidator(kind)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		kind:      kind,
		msgType:   msgType,
		sender:    sender,
		clock:     clock.New(),
		online:    func() bool { return true },
		settings:  DefaultSettings(),
		validator: v,
		dedup:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.history = newHistory(m.settings.HistoryLimit)
	m.ctx, m.cancel = context.WithCancel(context.Background())

	if err := m.restore(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Kind returns the queue kind.
func (m *Manager) Kind() dto.Kind {
	return m.kind
}

// EnqueueVote submits a vote.
func (m *Manager) EnqueueVote(ctx context.Context, p dto.VoteParams) (dto.Ack, error) {
	if m.kind != dto.KindVote {
		return dto.Ack{}, &errs.ValidationError{Field: "kind", Reason: "not a vote queue"}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return dto.Ack{}, &errs.ValidationError{Reason: err.Error()}
	}
	return m.Enqueue(ctx, raw)
}

// EnqueueTranslation submits a translation.
func (m *Manager) EnqueueTranslation(ctx context.Context, p dto.TranslationParams) (dto.Ack, error) {
	if m.kind != dto.KindTranslation {
		return dto.Ack{}, &errs.ValidationError{Field: "kind", Reason: "not a translation queue"}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return dto.Ack{}, &errs.ValidationError{Reason: err.Error()}
	}
	return m.Enqueue(ctx, raw)
}

// Enqueue validates and deduplicates raw params of the manager's kind, then either queues
// the action or submits it immediately.
//
// The action is queued when the remote side is offline, the in-flight limit is reached
// or older items are still waiting. Queueing returns a "queued" ack and absorbs every later
// failure into retry bookkeeping. An immediate submission returns the remote result or
// the final error after the configured attempts.
func (m *Manager) Enqueue(ctx context.Context, raw json.RawMessage) (dto.Ack, error) {
	item, err := m.newItem(raw)
	if err != nil {
		return dto.Ack{}, err
	}
	key := dedupKey(item)
	now := m.clock.Now()

	m.mu.Lock()
	m.stats.Total++
	m.expireDedupLocked(now)
	if _, dup := m.dedup[key]; dup {
		m.stats.Duplicates++
		m.mu.Unlock()
		log.WithFields(log.Fields{"kind": m.kind, "key": key}).Info("rejected duplicate submission")
		return dto.Ack{}, &errs.DuplicateError{Key: key}
	}
	m.dedup[key] = now

	if !m.online() || m.inFlight >= m.settings.MaxInFlight || len(m.queue) > 0 {
		if len(m.queue) >= m.settings.QueueLimit {
			delete(m.dedup, key)
			m.mu.Unlock()
			return dto.Ack{}, &errs.QueueFullError{Limit: m.settings.QueueLimit}
		}
		m.queue = append(m.queue, item)
		position := len(m.queue)
		m.stats.Queued++
		m.mu.Unlock()

		m.persist(ctx)
		log.WithFields(log.Fields{"kind": m.kind, "item": item.ID, "position": position}).Info("submission queued")
		return dto.Ack{Queued: true, QueuePosition: position, ItemID: item.ID}, nil
	}
	m.inFlight++
	m.mu.Unlock()

	_ = advance(&item, dto.StatusProcessing)
	result, attempts, err := m.submitImmediately(ctx, item)

	m.mu.Lock()
	m.inFlight--
	m.mu.Unlock()
	m.complete(item, attempts, err)
	m.kick()

	if err != nil {
		return dto.Ack{}, err
	}
	return dto.Ack{ItemID: item.ID, Result: result}, nil
}

// ProcessNextInQueue takes the head item and submits it once. It reports whether an item
// was taken; the error is the outcome of that single attempt.
func (m *Manager) ProcessNextInQueue(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	m.mu.Lock()
	if len(m.queue) == 0 || m.inFlight >= m.settings.MaxInFlight || !m.online() {
		m.mu.Unlock()
		return false, nil
	}
	item := m.queue[0]
	m.queue = m.queue[1:]
	if err := advance(&item, dto.StatusProcessing); err != nil {
		log.Warnf("queue item %s: %v", item.ID, err)
		item.Status = dto.StatusProcessing
	}
	m.inFlight++
	m.mu.Unlock()
	m.persist(ctx)

	_, err := m.attempt(ctx, item)

	m.mu.Lock()
	m.inFlight--
	if err != nil && ctx.Err() != nil {
		// shutdown, not a failure of the item
		item.Status = dto.StatusPending
		m.queue = append([]dto.QueueItem{item}, m.queue...)
		m.mu.Unlock()
		m.persist(ctx)
		return true, err
	}

	terminal := true
	attempts := item.RetryCount + 1
	switch {
	case err == nil:
	case !errs.Retryable(err):
		item.LastError = err.Error()
	default:
		item.RetryCount++
		item.LastError = err.Error()
		if item.RetryCount >= m.settings.MaxRetries {
			err = &errs.MaxRetriesExceededError{ItemID: item.ID, Attempts: item.RetryCount, Last: err}
			log.WithFields(log.Fields{"kind": m.kind, "item": item.ID}).Errorf("dropping queued submission: %v", err)
		} else {
			terminal = false
			_ = advance(&item, dto.StatusPending)
			m.queue = append(m.queue, item)
			log.WithFields(log.Fields{"kind": m.kind, "item": item.ID, "retry": item.RetryCount}).
				Warnf("queued submission failed, requeued: %v", err)
		}
	}
	m.mu.Unlock()

	if terminal {
		m.complete(item, attempts, err)
	}
	m.persist(ctx)
	return true, err
}

// ProcessBatch drains up to BatchSize items, pausing BatchDelay between them.
// It returns the number of items taken.
func (m *Manager) ProcessBatch(ctx context.Context) (int, error) {
	processed := 0
	for processed < m.settings.BatchSize {
		if processed > 0 && m.Len() > 0 {
			if !m.sleep(ctx, m.settings.BatchDelay) {
				return processed, ctx.Err()
			}
		}

		took, err := m.ProcessNextInQueue(ctx)
		if !took {
			return processed, err
		}
		processed++
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
	}
	return processed, nil
}

// Drain processes batches until the queue is empty or blocked by connectivity or the
// in-flight limit. Only one drain runs at a time; a concurrent call returns 0.
func (m *Manager) Drain(ctx context.Context) int {
	total := 0
	for {
		if !m.draining.CompareAndSwap(false, true) {
			return total
		}
		for {
			n, err := m.ProcessBatch(ctx)
			total += n
			if n == 0 || (err != nil && ctx.Err() != nil) {
				break
			}
		}
		m.draining.Store(false)

		if ctx.Err() != nil || !m.drainable() {
			return total
		}
	}
}

// Resume starts a background drain, typically after the link is re-established.
func (m *Manager) Resume() {
	m.kick()
}

// Retry forces a drain and returns how many items were processed.
func (m *Manager) Retry(ctx context.Context) int {
	return m.Drain(ctx)
}

// History returns completed submissions, oldest first.
func (m *Manager) History() []dto.HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.snapshot()
}

// Status answers whether the action for subjectID at timestamp has been decided or is
// still waiting in the queue.
func (m *Manager) Status(subjectID string, timestamp float64) dto.StatusResponse {
	key := historyKey(subjectID, timestamp)

	m.mu.Lock()
	defer m.mu.Unlock()

	var resp dto.StatusResponse
	if entry, ok := m.history.lookup(key); ok {
		resp.Found = true
		resp.Entry = &entry
	}
	for i := range m.queue {
		if m.queue[i].SubjectID == subjectID && m.queue[i].Timestamp == timestamp {
			item := m.queue[i]
			resp.Found = true
			resp.Queued = true
			resp.Pending = &item
			break
		}
	}
	return resp
}

// Stats returns a snapshot of the lifetime counters.
func (m *Manager) Stats() dto.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Pending returns a snapshot of the queued items in FIFO order.
func (m *Manager) Pending() []dto.QueueItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]dto.QueueItem(nil), m.queue...)
}

// Len returns the queue length.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Close stops background drains and waits for them to return.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) kick() {
	if m.ctx.Err() != nil || !m.drainable() {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.Drain(m.ctx)
	}()
}

func (m *Manager) drainable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue) > 0 && m.inFlight < m.settings.MaxInFlight && m.online()
}

func (m *Manager) newItem(raw json.RawMessage) (dto.QueueItem, error) {
	if err := m.validator.Validate(raw); err != nil {
		return dto.QueueItem{}, err
	}

	item := dto.QueueItem{
		ID:         string(m.kind) + "_" + uuid.NewString(),
		Kind:       m.kind,
		EnqueuedAt: m.clock.Now(),
		Status:     dto.StatusPending,
	}

	var (
		payload []byte
		err     error
	)
	switch m.kind {
	case dto.KindVote:
		var p dto.VoteParams
		if err = json.Unmarshal(raw, &p); err == nil {
			item.SubjectID, item.Timestamp, item.SubKind = p.VideoID, p.Timestamp, p.VoteType
			payload, err = json.Marshal(p)
		}
	case dto.KindTranslation:
		var p dto.TranslationParams
		if err = json.Unmarshal(raw, &p); err == nil {
			item.SubjectID, item.Timestamp, item.SubKind = p.VideoID, p.Timestamp, p.Action
			payload, err = json.Marshal(p)
		}
	}
	if err != nil {
		return dto.QueueItem{}, &errs.ValidationError{Reason: err.Error()}
	}
	item.Payload = payload
	return item, nil
}

func (m *Manager) submitImmediately(ctx context.Context, item dto.QueueItem) (json.RawMessage, int, error) {
	for attempt := 1; ; attempt++ {
		result, err := m.sender.Send(ctx, m.msgType, item.Payload)
		if err == nil {
			return result, attempt, nil
		}
		if attempt >= m.settings.ImmediateAttempts || !errs.Retryable(err) {
			return nil, attempt, err
		}

		delay := backoff(m.settings.BaseDelay, attempt)
		log.WithFields(log.Fields{"kind": m.kind, "item": item.ID, "attempt": attempt}).
			Warnf("submission failed, retrying in %s: %v", delay, err)
		if !m.sleep(ctx, delay) {
			return nil, attempt, err
		}
	}
}

// attempt submits item once. A panic inside the iteration becomes a retryable error.
func (m *Manager) attempt(ctx context.Context, item dto.QueueItem) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"kind": m.kind, "item": item.ID}).Errorf("drain iteration panicked: %v", r)
			err = errors.Errorf("drain iteration panicked: %v", r)
		}
	}()

	return m.sender.Send(ctx, m.msgType, item.Payload)
}

// complete records a terminal outcome in history, stats and the journal.
func (m *Manager) complete(item dto.QueueItem, attempts int, err error) {
	next := dto.StatusSuccess
	if err != nil {
		next = dto.StatusFailed
	}
	if aerr := advance(&item, next); aerr != nil {
		log.Warnf("queue item %s: %v", item.ID, aerr)
		item.Status = next
	}

	entry := dto.HistoryEntry{
		Key:         historyKey(item.SubjectID, item.Timestamp),
		Kind:        m.kind,
		SubKind:     item.SubKind,
		Status:      item.Status,
		Attempts:    attempts,
		CompletedAt: m.clock.Now(),
	}
	if err != nil {
		entry.Error = err.Error()
	}

	m.mu.Lock()
	m.history.record(entry)
	if err != nil {
		m.stats.Failure++
	} else {
		m.stats.Success++
	}
	m.mu.Unlock()

	if m.journal != nil {
		if jerr := m.journal.Append(entry); jerr != nil {
			log.Errorf("journal %s history entry %s: %v", m.kind, entry.Key, jerr)
		}
	}
}

func (m *Manager) restore(ctx context.Context) error {
	if m.journal != nil {
		err := m.journal.Replay(func(entry dto.HistoryEntry) {
			if entry.Kind == m.kind {
				m.history.record(entry)
			}
		})
		if err != nil {
			return errors.Wrapf(err, "replay %s history", m.kind)
		}
	}

	if m.store == nil {
		return nil
	}
	items, err := m.store.Load(ctx, m.kind)
	if err != nil {
		return errors.Wrapf(err, "load %s queue", m.kind)
	}
	if len(items) > m.settings.QueueLimit {
		log.Warnf("persisted %s queue holds %d items, keeping the first %d", m.kind, len(items), m.settings.QueueLimit)
		items = items[:m.settings.QueueLimit]
	}

	for i := range items {
		if items[i].Status != dto.StatusPending {
			items[i].Status = dto.StatusPending
		}
		m.dedup[dedupKey(items[i])] = items[i].EnqueuedAt
	}
	m.queue = items
	if len(items) > 0 {
		log.Infof("restored %d queued %s submissions", len(items), m.kind)
	}
	return nil
}

func (m *Manager) persist(ctx context.Context) {
	if m.store == nil {
		return
	}
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	snapshot := m.Pending()
	if err := m.store.Save(context.WithoutCancel(ctx), m.kind, snapshot); err != nil {
		log.Errorf("persist %s queue: %v", m.kind, err)
	}
}

func (m *Manager) expireDedupLocked(now time.Time) {
	for key, at := range m.dedup {
		if now.Sub(at) >= m.settings.DedupWindow {
			delete(m.dedup, key)
		}
	}
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	t := m.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// backoff is the linear delay before retry number attempt+1.
func backoff(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(attempt)
}
