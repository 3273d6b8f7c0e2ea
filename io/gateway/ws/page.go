package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/subbridge/core/dto"
	"github.com/vadiminshakov/subbridge/core/errs"
	"github.com/vadiminshakov/subbridge/core/pubsub"
	"github.com/vadiminshakov/subbridge/io/transport"
	"nhooyr.io/websocket"
)

// DefaultPollInterval is how often WaitForAvailability re-checks the page.
const DefaultPollInterval = 100 * time.Millisecond

const stateTopic = "state"

// Injector asks the host environment to load the page script.
type Injector interface {
	RequestInjection(ctx context.Context) error
}

// InjectorFunc adapts a function to Injector.
type InjectorFunc func(ctx context.Context) error

func (f InjectorFunc) RequestInjection(ctx context.Context) error {
	return f(ctx)
}

// PageChannel is the mediator's end of the page channel. It serves the page socket over
// HTTP and implements transport.Channel. Only one page is attached at a time; a new
// socket replaces the previous one.
type PageChannel struct {
	injector     Injector
	pollInterval time.Duration
	clock        clock.Clock
	accept       *websocket.AcceptOptions
	states       *pubsub.Registry[transport.State]

	mu        sync.Mutex
	conn      *Conn
	ready     bool
	state     transport.State
	onMessage func(dto.Envelope)
}

// PageOption configures a PageChannel.
type PageOption func(*PageChannel)

// WithInjector sets the collaborator RequestInjection signals.
func WithInjector(i Injector) PageOption {
	return func(c *PageChannel) { c.injector = i }
}

// WithPollInterval changes how often WaitForAvailability polls.
func WithPollInterval(d time.Duration) PageOption {
	return func(c *PageChannel) { c.pollInterval = d }
}

// WithOriginPatterns allows cross-origin page sockets from the given host patterns.
func WithOriginPatterns(patterns ...string) PageOption {
	return func(c *PageChannel) { c.accept.OriginPatterns = patterns }
}

// WithPageClock replaces the wall clock.
func WithPageClock(cl clock.Clock) PageOption {
	return func(c *PageChannel) { c.clock = cl }
}

func NewPageChannel(opts ...PageOption) *PageChannel {
	c := &PageChannel{
		pollInterval: DefaultPollInterval,
		clock:        clock.New(),
		accept:       &websocket.AcceptOptions{},
		states:       pubsub.NewRegistry[transport.State](),
		state:        transport.Disconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ServeHTTP accepts the page socket and reads from it until it closes.
func (c *PageChannel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	socket, err := websocket.Accept(w, r, c.accept)
	if err != nil {
		log.Warnf("page socket handshake: %v", err)
		return
	}
	conn := NewConn(socket)

	c.mu.Lock()
	prev := c.conn
	c.conn, c.ready = conn, false
	c.mu.Unlock()
	if prev != nil {
		log.Info("page socket replaced by a new one")
		_ = prev.Close()
	}
	c.setState(transport.Connecting)

	err = c.readLoop(r.Context(), conn)
	log.Infof("page socket closed: %v", err)

	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn, c.ready = nil, false
	}
	c.mu.Unlock()
	_ = conn.Close()
	if current {
		c.setState(transport.Disconnected)
	}
}

func (c *PageChannel) readLoop(ctx context.Context, conn *Conn) error {
	for {
		env, err := conn.Receive(ctx)
		if err != nil {
			return err
		}

		if env.Type == dto.TypePageReady && env.IsNotification() {
			c.mu.Lock()
			announced := c.conn == conn && !c.ready
			if announced {
				c.ready = true
			}
			c.mu.Unlock()
			if announced {
				log.Info("page announced readiness")
				c.setState(transport.Connected)
			}
			continue
		}

		c.mu.Lock()
		handler := c.onMessage
		c.mu.Unlock()
		if handler == nil {
			log.Debugf("dropping page envelope %s/%s: no handler", env.Type, env.ID)
			continue
		}
		handler(env)
	}
}

// Send delivers env to the page. It fails with a ConnectionLostError unless the page is
// available.
func (c *PageChannel) Send(ctx context.Context, env dto.Envelope) error {
	c.mu.Lock()
	conn, ready := c.conn, c.ready
	c.mu.Unlock()
	if conn == nil || !ready {
		return &errs.ConnectionLostError{MessageType: env.Type}
	}

	if err := conn.Send(ctx, env); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return &errs.ConnectionLostError{MessageType: env.Type}
		}
		return err
	}
	return nil
}

func (c *PageChannel) OnMessage(fn func(dto.Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

// OnStateChange subscribes fn to page state transitions.
func (c *PageChannel) OnStateChange(fn func(transport.State)) func() {
	return c.states.Subscribe(stateTopic, fn)
}

func (c *PageChannel) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Available reports whether the page has announced itself on a live socket.
func (c *PageChannel) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.ready
}

// WaitForAvailability polls until the page is available, ctx is done or timeout
// elapses. The timeout is reported as a TimeoutError naming PAGE_READY.
func (c *PageChannel) WaitForAvailability(ctx context.Context, timeout time.Duration) error {
	deadline := c.clock.Now().Add(timeout)
	ticker := c.clock.Ticker(c.pollInterval)
	defer ticker.Stop()

	for {
		if c.Available() {
			return nil
		}
		if !c.clock.Now().Before(deadline) {
			return &errs.TimeoutError{MessageType: dto.TypePageReady, After: timeout.String()}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RequestInjection asks the injector to load the page script unless the page is
// already available.
func (c *PageChannel) RequestInjection(ctx context.Context) error {
	if c.Available() {
		return nil
	}
	if c.injector == nil {
		return errors.New("page is not available and no injector is configured")
	}
	return errors.Wrap(c.injector.RequestInjection(ctx), "request page injection")
}

// EnsureAvailable requests injection and waits for the page to announce itself.
func (c *PageChannel) EnsureAvailable(ctx context.Context, timeout time.Duration) error {
	if err := c.RequestInjection(ctx); err != nil {
		return err
	}
	return c.WaitForAvailability(ctx, timeout)
}

func (c *PageChannel) setState(s transport.State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.states.Publish(stateTopic, s)
}
