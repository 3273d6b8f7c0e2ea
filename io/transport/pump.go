package transport

import (
	"context"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/subbridge/core/dto"
	"github.com/vadiminshakov/subbridge/core/pubsub"
)

const stateTopic = "state"

// Pump exposes a single Conn as a Channel. It never re-dials: once Receive fails the
// pump reports Disconnected and Run returns.
type Pump struct {
	conn      Conn
	state     atomic.Int32
	mu        sync.RWMutex
	onMessage func(dto.Envelope)
	states    *pubsub.Registry[State]
}

// NewPump wraps an established conn. The pump starts in the Connected state.
func NewPump(conn Conn) *Pump {
	p := &Pump{
		conn:   conn,
		states: pubsub.NewRegistry[State](),
	}
	p.state.Store(int32(Connected))
	return p
}

// Send writes env to the underlying conn.
func (p *Pump) Send(ctx context.Context, env dto.Envelope) error {
	if p.State() != Connected {
		return ErrClosed
	}
	return p.conn.Send(ctx, env)
}

// OnMessage sets the handler for inbound envelopes. Must be called before Run.
func (p *Pump) OnMessage(fn func(dto.Envelope)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onMessage = fn
}

// OnStateChange subscribes fn to state transitions.
func (p *Pump) OnStateChange(fn func(State)) func() {
	return p.states.Subscribe(stateTopic, fn)
}

// State returns the current state.
func (p *Pump) State() State {
	return State(p.state.Load())
}

// Run reads envelopes until the conn fails or ctx is done, then closes the conn.
func (p *Pump) Run(ctx context.Context) error {
	defer p.conn.Close()

	for {
		env, err := p.conn.Receive(ctx)
		if err != nil {
			p.setState(Disconnected)
			return err
		}

		p.mu.RLock()
		handler := p.onMessage
		p.mu.RUnlock()
		if handler == nil {
			log.Debugf("dropping envelope %s/%s: no handler", env.Type, env.ID)
			continue
		}
		handler(env)
	}
}

// Close closes the underlying conn, which makes Run return.
func (p *Pump) Close() error {
	return p.conn.Close()
}

func (p *Pump) setState(s State) {
	if State(p.state.Swap(int32(s))) == s {
		return
	}
	p.states.Publish(stateTopic, s)
}
