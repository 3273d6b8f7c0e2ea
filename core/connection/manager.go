// Package connection keeps one transport channel alive.
//
// The Manager dials the remote context, detects loss, and re-dials after a fixed delay for
// as long as it runs. While the link is down, envelopes of "important" types are held in a
// bounded buffer and replayed in their original order once the link is back; everything
// else fails fast with a ConnectionLostError.
package connection

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/subbridge/core/dto"
	"github.com/vadiminshakov/subbridge/core/errs"
	"github.com/vadiminshakov/subbridge/core/pubsub"
	"github.com/vadiminshakov/subbridge/io/transport"
)

const (
	DefaultReconnectDelay = time.Second
	DefaultBufferLimit    = 50
	DefaultBufferMaxAge   = time.Minute

	topicState = "state"
	topicLost  = "lost"
)

type buffered struct {
	ctx      context.Context
	env      dto.Envelope
	bufferAt time.Time
}

// Manager owns the liveness of one channel and implements transport.Channel.
type Manager struct {
	dialer         transport.Dialer
	clock          clock.Clock
	reconnectDelay time.Duration
	important      map[string]struct{}
	bufferLimit    int
	bufferMaxAge   time.Duration
	events         *pubsub.Registry[transport.State]

	mu        sync.Mutex
	fsm       *stateMachine
	conn      transport.Conn
	buffer    []buffered
	// reporting is set while loss subscribers run; sends fail instead of buffering
	reporting bool
	onMessage func(dto.Envelope)
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithReconnectDelay sets the fixed delay between reconnection attempts.
func WithReconnectDelay(d time.Duration) Option {
	return func(m *Manager) { m.reconnectDelay = d }
}

// WithImportantTypes sets the message types that are buffered while disconnected.
func WithImportantTypes(types ...string) Option {
	return func(m *Manager) {
		for _, t := range types {
			m.important[t] = struct{}{}
		}
	}
}

// WithBufferLimit bounds the number of buffered important envelopes.
func WithBufferLimit(n int) Option {
	return func(m *Manager) { m.bufferLimit = n }
}

// WithBufferMaxAge drops buffered envelopes older than d on replay.
func WithBufferMaxAge(d time.Duration) Option {
	return func(m *Manager) { m.bufferMaxAge = d }
}

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// NewManager creates a manager. Nothing is dialed until Start.
func NewManager(d transport.Dialer, opts ...Option) *Manager {
	m := &Manager{
		dialer:         d,
		clock:          clock.New(),
		reconnectDelay: DefaultReconnectDelay,
		important:      make(map[string]struct{}),
		bufferLimit:    DefaultBufferLimit,
		bufferMaxAge:   DefaultBufferMaxAge,
		events:         pubsub.NewRegistry[transport.State](),
		fsm:            newStateMachine(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start opens the channel and keeps it alive until ctx is done or Close is called.
// Calling Start more than once has no effect.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
}

// Close stops reconnecting, closes the live conn and waits for the loop to exit.
func (m *Manager) Close() error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	<-done
	return nil
}

// Send writes env to the live conn. While disconnected, important envelopes are buffered
// and others fail with a ConnectionLostError.
func (m *Manager) Send(ctx context.Context, env dto.Envelope) error {
	m.mu.Lock()
	if m.fsm.Current() == transport.Connected && m.conn != nil {
		conn := m.conn
		m.mu.Unlock()

		if err := conn.Send(ctx, env); err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return &errs.ConnectionLostError{MessageType: env.Type}
			}
			return errors.Wrapf(err, "send %s", env.Type)
		}
		return nil
	}
	defer m.mu.Unlock()

	if m.reporting || !m.isImportant(env) {
		return &errs.ConnectionLostError{MessageType: env.Type}
	}
	if len(m.buffer) >= m.bufferLimit {
		return &errs.QueueFullError{Limit: m.bufferLimit}
	}

	m.buffer = append(m.buffer, buffered{ctx: ctx, env: env, bufferAt: m.clock.Now()})
	log.WithFields(log.Fields{"type": env.Type, "id": env.ID, "buffered": len(m.buffer)}).
		Debug("buffered important message while disconnected")
	return nil
}

// OnMessage sets the handler for inbound envelopes.
func (m *Manager) OnMessage(fn func(dto.Envelope)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = fn
}

// OnStateChange subscribes fn to every state transition. Subscribers run synchronously
// on the lifecycle goroutine.
func (m *Manager) OnStateChange(fn func(transport.State)) func() {
	return m.events.Subscribe(topicState, fn)
}

// OnConnectionLost subscribes fn to the loss of an established connection. It runs
// after the Disconnected transition and before the reconnect is scheduled. Failed dial
// attempts do not trigger it.
func (m *Manager) OnConnectionLost(fn func()) func() {
	return m.events.Subscribe(topicLost, func(transport.State) { fn() })
}

// State returns the current state.
func (m *Manager) State() transport.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fsm.Current()
}

// Connected reports whether the channel is currently usable.
func (m *Manager) Connected() bool {
	return m.State() == transport.Connected
}

// Buffered returns the number of important envelopes waiting for the link.
func (m *Manager) Buffered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffer)
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		m.setState(transport.Connecting)

		conn, err := m.dialer.Dial(ctx)
		if err != nil {
			m.setState(transport.Disconnected)
			if ctx.Err() != nil {
				return
			}
			log.Warnf("dial failed: %v, retrying in %s", err, m.reconnectDelay)
			if !m.sleep(ctx, m.reconnectDelay) {
				return
			}
			continue
		}

		if err := m.attach(ctx, conn); err != nil {
			log.Warnf("replay of buffered messages failed: %v", err)
			_ = conn.Close()
			m.setState(transport.Disconnected)
		} else {
			err = m.readLoop(ctx, conn)
			m.detach(conn)
			if ctx.Err() != nil {
				return
			}
			log.Warnf("connection lost: %v, reconnecting in %s", err, m.reconnectDelay)
		}

		if !m.sleep(ctx, m.reconnectDelay) {
			return
		}
	}
}

// attach replays the buffer over conn in FIFO order and then marks the channel Connected.
// Important sends arriving during the replay are appended to the buffer and replayed in
// the next round, so their order is preserved.
func (m *Manager) attach(ctx context.Context, conn transport.Conn) error {
	for {
		m.mu.Lock()
		pending := m.buffer
		m.buffer = nil
		if len(pending) == 0 {
			// a Send must observe either the buffer or the live conn, never neither
			m.conn = conn
			changed := m.transitionLocked(transport.Connected)
			m.mu.Unlock()
			if changed {
				m.events.Publish(topicState, transport.Connected)
			}
			return nil
		}
		m.mu.Unlock()

		for i, item := range pending {
			if err := m.replay(ctx, conn, item); err != nil {
				m.mu.Lock()
				m.buffer = append(pending[i:], m.buffer...)
				m.mu.Unlock()
				return err
			}
		}
	}
}

func (m *Manager) replay(ctx context.Context, conn transport.Conn, item buffered) error {
	fields := log.Fields{"type": item.env.Type, "id": item.env.ID}
	if item.ctx.Err() != nil {
		log.WithFields(fields).Info("dropping buffered message: request already settled")
		return nil
	}
	if age := m.clock.Since(item.bufferAt); m.bufferMaxAge > 0 && age > m.bufferMaxAge {
		log.WithFields(fields).Warnf("dropping buffered message older than %s", m.bufferMaxAge)
		return nil
	}

	return conn.Send(ctx, item.env)
}

func (m *Manager) readLoop(ctx context.Context, conn transport.Conn) error {
	for {
		env, err := conn.Receive(ctx)
		if err != nil {
			return err
		}

		m.mu.Lock()
		handler := m.onMessage
		m.mu.Unlock()
		if handler == nil {
			log.Debugf("dropping envelope %s/%s: no handler", env.Type, env.ID)
			continue
		}
		handler(env)
	}
}

// detach drops conn and reports the loss. Until loss subscribers return, sends fail with
// a ConnectionLostError instead of buffering.
func (m *Manager) detach(conn transport.Conn) {
	m.mu.Lock()
	m.conn = nil
	m.reporting = true
	changed := m.transitionLocked(transport.Disconnected)
	m.mu.Unlock()

	if err := conn.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
		log.Debugf("closing lost conn: %v", err)
	}
	if changed {
		m.events.Publish(topicState, transport.Disconnected)
	}
	m.events.Publish(topicLost, transport.Disconnected)

	m.mu.Lock()
	m.reporting = false
	m.mu.Unlock()
}

func (m *Manager) setState(s transport.State) {
	m.mu.Lock()
	changed := m.transitionLocked(s)
	m.mu.Unlock()

	if changed {
		m.events.Publish(topicState, s)
	}
}

// transitionLocked moves the state machine to s and reports whether the state changed.
// Callers hold m.mu and publish the change after unlocking.
func (m *Manager) transitionLocked(s transport.State) bool {
	prev := m.fsm.Current()
	if prev == s {
		return false
	}
	if err := m.fsm.Transition(s); err != nil {
		log.Errorf("connection lifecycle: %v", err)
		return false
	}
	log.WithFields(log.Fields{"from": prev, "to": s}).Debug("connection state changed")
	return true
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

func (m *Manager) isImportant(env dto.Envelope) bool {
	if env.IsResponse() {
		return false
	}
	_, ok := m.important[env.Type]
	return ok
}
