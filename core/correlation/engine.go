// Package correlation matches asynchronous responses back to the requests that caused them.
//
// The Engine wraps a transport.Channel: every outgoing request gets a fresh id, a pending
// entry and a per-type timer. Each pending entry reaches exactly one terminal outcome
// (reply, timeout, connection loss, send failure or caller cancellation) and is cleaned
// up exactly once.
package correlation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/subbridge/core/dto"
	"github.com/vadiminshakov/subbridge/core/errs"
	"github.com/vadiminshakov/subbridge/core/pubsub"
	"github.com/vadiminshakov/subbridge/io/transport"
)

// Handler answers inbound requests arriving from the remote side.
type Handler interface {
	HandleRequest(ctx context.Context, env dto.Envelope) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env dto.Envelope) (any, error)

func (f HandlerFunc) HandleRequest(ctx context.Context, env dto.Envelope) (any, error) {
	return f(ctx, env)
}

type outcome struct {
	data json.RawMessage
	err  error
}

type pendingRequest struct {
	id          string
	messageType string
	createdAt   time.Time
	done        chan outcome
	timer       *clock.Timer
	cancel      context.CancelFunc
}

// Engine is the correlation engine for one channel.
type Engine struct {
	ch            transport.Channel
	clock         clock.Clock
	timeouts      Timeouts
	newID         func() string
	handler       Handler
	notifications *pubsub.Registry[json.RawMessage]

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// Option configures an Engine.
type Option func(*Engine)

// WithTimeouts replaces the per-type timeout table.
func WithTimeouts(t Timeouts) Option {
	return func(e *Engine) { e.timeouts = t }
}

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithIDGenerator replaces the request id generator.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// WithHandler sets the handler for inbound requests.
func WithHandler(h Handler) Option {
	return func(e *Engine) { e.handler = h }
}

// NewEngine creates an engine and registers it as the channel's message handler.
func NewEngine(ch transport.Channel, opts ...Option) *Engine {
	e := &Engine{
		ch:            ch,
		clock:         clock.New(),
		timeouts:      DefaultTimeouts(),
		newID:         NewIDGenerator(),
		notifications: pubsub.NewRegistry[json.RawMessage](),
		pending:       make(map[string]*pendingRequest),
	}
	for _, opt := range opts {
		opt(e)
	}

	ch.OnMessage(e.HandleInbound)
	return e
}

// NewIDGenerator returns ids of the form msg_<counter>_<random>. Ids are never reused
// within a process.
func NewIDGenerator() func() string {
	var counter atomic.Uint64
	return func() string {
		return fmt.Sprintf("msg_%d_%s", counter.Add(1), uuid.NewString()[:8])
	}
}

// SetHandler replaces the handler for inbound requests.
func (e *Engine) SetHandler(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

type sendOptions struct {
	timeout time.Duration
}

// SendOption tunes a single Send call.
type SendOption func(*sendOptions)

// WithTimeout overrides the per-type timeout for one request.
func WithTimeout(d time.Duration) SendOption {
	return func(o *sendOptions) { o.timeout = d }
}

// Send transmits a request and blocks until its single terminal outcome.
func (e *Engine) Send(ctx context.Context, msgType string, payload any, opts ...SendOption) (json.RawMessage, error) {
	var so sendOptions
	for _, opt := range opts {
		opt(&so)
	}
	timeout := so.timeout
	if timeout <= 0 {
		timeout = e.timeouts.For(msgType)
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return nil, &errs.ValidationError{Field: "payload", Reason: err.Error()}
	}

	reqCtx, cancel := context.WithCancel(ctx)
	req := &pendingRequest{
		id:          e.newID(),
		messageType: msgType,
		createdAt:   e.clock.Now(),
		done:        make(chan outcome, 1),
		cancel:      cancel,
	}

	e.mu.Lock()
	e.pending[req.id] = req
	req.timer = e.clock.AfterFunc(timeout, func() {
		log.Warnf("request %s (%s) timed out after %s", req.id, msgType, timeout)
		e.settle(req.id, func(*pendingRequest) outcome {
			return outcome{err: &errs.TimeoutError{MessageType: msgType, After: timeout.String()}}
		})
	})
	e.mu.Unlock()

	env := dto.Envelope{ID: req.id, Type: msgType, Payload: raw}
	if err := e.ch.Send(reqCtx, env); err != nil {
		e.settle(req.id, func(*pendingRequest) outcome {
			return outcome{err: err}
		})
	}

	select {
	case out := <-req.done:
		return out.data, out.err
	case <-ctx.Done():
		e.settle(req.id, func(*pendingRequest) outcome {
			return outcome{err: ctx.Err()}
		})
		out := <-req.done
		return out.data, out.err
	}
}

// Notify sends a fire-and-forget envelope.
func (e *Engine) Notify(ctx context.Context, msgType string, payload any) error {
	raw, err := encodePayload(payload)
	if err != nil {
		return &errs.ValidationError{Field: "payload", Reason: err.Error()}
	}
	return e.ch.Send(ctx, dto.Envelope{Type: msgType, Payload: raw})
}

// Subscribe registers fn for notifications of msgType.
func (e *Engine) Subscribe(msgType string, fn func(json.RawMessage)) func() {
	return e.notifications.Subscribe(msgType, fn)
}

// HandleInbound routes one envelope received from the channel.
func (e *Engine) HandleInbound(env dto.Envelope) {
	switch {
	case env.IsResponse():
		e.resolve(env)
	case env.IsNotification():
		e.notifications.Publish(env.Type, env.Payload)
	case env.ID != "" && env.Type != "":
		go e.serve(env)
	default:
		log.Debugf("discarding malformed envelope id=%q type=%q", env.ID, env.Type)
	}
}

// FailAll rejects every pending request with err and returns how many were rejected.
// A nil err rejects each request with a ConnectionLostError naming its type.
func (e *Engine) FailAll(err error) int {
	e.mu.Lock()
	reqs := e.pending
	e.pending = make(map[string]*pendingRequest)
	e.mu.Unlock()

	for _, req := range reqs {
		reason := err
		if reason == nil {
			reason = &errs.ConnectionLostError{MessageType: req.messageType}
		}
		finish(req, outcome{err: reason})
	}
	if len(reqs) > 0 {
		log.Warnf("rejected %d pending requests: %v", len(reqs), err)
	}
	return len(reqs)
}

// Pending returns the number of requests awaiting an outcome.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Engine) resolve(env dto.Envelope) {
	reply := env.Response
	settled := e.settle(env.ID, func(req *pendingRequest) outcome {
		if !reply.Success {
			msg := reply.Error
			if msg == "" {
				msg = "request failed"
			}
			return outcome{err: &errs.RemoteError{MessageType: req.messageType, Message: msg}}
		}
		return outcome{data: reply.Data}
	})
	if !settled {
		log.Debugf("discarding response for unknown or settled request %s", env.ID)
	}
}

// settle removes the pending request and delivers its outcome. It returns false when
// the id is unknown, which makes every later delivery for the same id a no-op.
func (e *Engine) settle(id string, build func(*pendingRequest) outcome) bool {
	e.mu.Lock()
	req, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}

	finish(req, build(req))
	return true
}

func finish(req *pendingRequest, out outcome) {
	if req.timer != nil {
		req.timer.Stop()
	}
	req.cancel()
	req.done <- out
}

func (e *Engine) serve(env dto.Envelope) {
	e.mu.Lock()
	handler := e.handler
	e.mu.Unlock()

	ctx := context.Background()
	var reply *dto.Reply
	if handler == nil {
		reply = dto.Fail(fmt.Errorf("no handler for %s", env.Type))
	} else {
		result, err := handler.HandleRequest(ctx, env)
		if err != nil {
			reply = dto.Fail(err)
		} else if reply, err = dto.OK(result); err != nil {
			reply = dto.Fail(errors.Wrap(err, "encode result"))
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.timeouts.For(env.Type))
	defer cancel()
	if err := e.ch.Send(sendCtx, dto.Envelope{ID: env.ID, Response: reply}); err != nil {
		log.Warnf("failed to reply to %s (%s): %v", env.ID, env.Type, err)
	}
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(p)
	}
}
