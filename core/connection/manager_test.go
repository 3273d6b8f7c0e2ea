package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/subbridge/core/correlation"
	"github.com/vadiminshakov/subbridge/core/dto"
	"github.com/vadiminshakov/subbridge/core/errs"
	"github.com/vadiminshakov/subbridge/io/transport"
	"github.com/vadiminshakov/subbridge/mocks"
	"go.uber.org/mock/gomock"
)

// gatedDialer hands out one in-memory pipe per permit and exposes the remote ends.
type gatedDialer struct {
	permits chan struct{}
	remotes chan transport.Conn
	wrap    func(transport.Conn) transport.Conn
}

func newGatedDialer() *gatedDialer {
	return &gatedDialer{
		permits: make(chan struct{}, 8),
		remotes: make(chan transport.Conn, 8),
	}
}

func (d *gatedDialer) Dial(ctx context.Context) (transport.Conn, error) {
	select {
	case <-d.permits:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	local, remote := transport.Pipe()
	d.remotes <- remote
	if d.wrap != nil {
		return d.wrap(local), nil
	}
	return local, nil
}

// hookConn runs hook once, before its first Send.
type hookConn struct {
	transport.Conn
	once sync.Once
	hook func()
}

func (c *hookConn) Send(ctx context.Context, env dto.Envelope) error {
	c.once.Do(c.hook)
	return c.Conn.Send(ctx, env)
}

func (d *gatedDialer) allow() { d.permits <- struct{}{} }

func (d *gatedDialer) remote(t *testing.T) transport.Conn {
	t.Helper()
	select {
	case c := <-d.remotes:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not dial")
		return nil
	}
}

func receive(t *testing.T, conn transport.Conn) dto.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := conn.Receive(ctx)
	require.NoError(t, err)
	return env
}

func waitState(t *testing.T, m *Manager, s transport.State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == s }, 2*time.Second, 5*time.Millisecond)
}

func TestManager_ConnectsAndRelays(t *testing.T) {
	dialer := newGatedDialer()
	m := NewManager(dialer)
	require.Equal(t, transport.Disconnected, m.State())

	inbound := make(chan dto.Envelope, 1)
	m.OnMessage(func(env dto.Envelope) { inbound <- env })

	dialer.allow()
	m.Start(context.Background())
	defer m.Close()

	remote := dialer.remote(t)
	waitState(t, m, transport.Connected)
	require.True(t, m.Connected())

	require.NoError(t, m.Send(context.Background(), dto.Envelope{ID: "msg_1", Type: dto.TypePing}))
	require.Equal(t, "msg_1", receive(t, remote).ID)

	require.NoError(t, remote.Send(context.Background(), dto.Envelope{Type: dto.TypeConfigChanged}))
	select {
	case env := <-inbound:
		require.Equal(t, dto.TypeConfigChanged, env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("inbound envelope not delivered")
	}
}

func TestManager_ReconnectsAfterLoss(t *testing.T) {
	dialer := newGatedDialer()
	m := NewManager(dialer, WithReconnectDelay(10*time.Millisecond))

	var (
		mu     sync.Mutex
		states []transport.State
	)
	m.OnStateChange(func(s transport.State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})
	lost := make(chan transport.State, 1)
	m.OnConnectionLost(func() { lost <- m.State() })

	dialer.allow()
	m.Start(context.Background())
	defer m.Close()

	first := dialer.remote(t)
	waitState(t, m, transport.Connected)

	require.NoError(t, first.Close())
	select {
	case s := <-lost:
		require.Equal(t, transport.Disconnected, s, "loss subscribers run after the transition")
	case <-time.After(2 * time.Second):
		t.Fatal("loss not reported")
	}

	dialer.allow()
	dialer.remote(t)
	waitState(t, m, transport.Connected)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []transport.State{
		transport.Connecting, transport.Connected,
		transport.Disconnected,
		transport.Connecting, transport.Connected,
	}, states)
}

func TestManager_DialFailureRetriesWithoutLossEvent(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	local, _ := transport.Pipe()
	dialer := mocks.NewMockDialer(ctrl)
	gomock.InOrder(
		dialer.EXPECT().Dial(gomock.Any()).Return(nil, errors.New("refused")),
		dialer.EXPECT().Dial(gomock.Any()).Return(nil, errors.New("refused")),
		dialer.EXPECT().Dial(gomock.Any()).Return(local, nil),
	)

	m := NewManager(dialer, WithReconnectDelay(time.Millisecond))
	lost := 0
	m.OnConnectionLost(func() { lost++ })

	m.Start(context.Background())
	waitState(t, m, transport.Connected)
	require.NoError(t, m.Close())
	require.Equal(t, transport.Disconnected, m.State())
	require.Equal(t, 1, lost, "only the shutdown of the live conn counts as a loss")
}

func TestManager_NonImportantFailsWhileDisconnected(t *testing.T) {
	m := NewManager(newGatedDialer(), WithImportantTypes(dto.TypeProcessVote))

	err := m.Send(context.Background(), dto.Envelope{ID: "msg_1", Type: dto.TypeCheckSubtitle})
	var lostErr *errs.ConnectionLostError
	require.ErrorAs(t, err, &lostErr)
	require.Equal(t, dto.TypeCheckSubtitle, lostErr.MessageType)

	// responses are never buffered
	err = m.Send(context.Background(), dto.Envelope{ID: "msg_2", Response: &dto.Reply{Success: true}})
	require.ErrorIs(t, err, errs.ErrConnectionLost)
	require.Equal(t, 0, m.Buffered())
}

func TestManager_BufferIsBounded(t *testing.T) {
	m := NewManager(newGatedDialer(), WithImportantTypes(dto.TypeProcessVote), WithBufferLimit(2))
	ctx := context.Background()

	require.NoError(t, m.Send(ctx, dto.Envelope{ID: "a", Type: dto.TypeProcessVote}))
	require.NoError(t, m.Send(ctx, dto.Envelope{ID: "b", Type: dto.TypeProcessVote}))

	err := m.Send(ctx, dto.Envelope{ID: "c", Type: dto.TypeProcessVote})
	var full *errs.QueueFullError
	require.ErrorAs(t, err, &full)
	require.Equal(t, 2, full.Limit)
	require.Equal(t, 2, m.Buffered())
}

func TestManager_ReplaysBufferInOrder(t *testing.T) {
	dialer := newGatedDialer()
	m := NewManager(dialer, WithImportantTypes(dto.TypeProcessVote, dto.TypeSubmitTranslation))
	ctx := context.Background()

	m.Start(ctx)
	defer m.Close()

	for _, id := range []string{"v1", "t1", "v2"} {
		typ := dto.TypeProcessVote
		if id[0] == 't' {
			typ = dto.TypeSubmitTranslation
		}
		require.NoError(t, m.Send(ctx, dto.Envelope{ID: id, Type: typ}))
	}

	settled, cancel := context.WithCancel(ctx)
	cancel()
	require.NoError(t, m.Send(settled, dto.Envelope{ID: "gone", Type: dto.TypeProcessVote}))
	require.Equal(t, 4, m.Buffered())

	dialer.allow()
	remote := dialer.remote(t)
	require.Equal(t, "v1", receive(t, remote).ID)
	require.Equal(t, "t1", receive(t, remote).ID)
	require.Equal(t, "v2", receive(t, remote).ID)

	waitState(t, m, transport.Connected)
	require.Equal(t, 0, m.Buffered())

	require.NoError(t, m.Send(ctx, dto.Envelope{ID: "after", Type: dto.TypePing}))
	require.Equal(t, "after", receive(t, remote).ID, "the settled request must not be replayed")
}

func TestManager_SendDuringReplayIsNotStranded(t *testing.T) {
	dialer := newGatedDialer()
	m := NewManager(dialer, WithImportantTypes(dto.TypeProcessVote))
	ctx := context.Background()

	hooked := make(chan error, 1)
	dialer.wrap = func(c transport.Conn) transport.Conn {
		return &hookConn{Conn: c, hook: func() {
			hooked <- m.Send(ctx, dto.Envelope{ID: "v2", Type: dto.TypeProcessVote})
		}}
	}

	require.NoError(t, m.Send(ctx, dto.Envelope{ID: "v1", Type: dto.TypeProcessVote}))
	m.Start(ctx)
	defer m.Close()

	dialer.allow()
	remote := dialer.remote(t)
	require.Equal(t, "v1", receive(t, remote).ID)
	require.NoError(t, <-hooked)
	require.Equal(t, "v2", receive(t, remote).ID)

	waitState(t, m, transport.Connected)
	require.Equal(t, 0, m.Buffered())
}

func TestManager_ConcurrentSendsWhileAttachingAreDelivered(t *testing.T) {
	dialer := newGatedDialer()
	m := NewManager(dialer, WithImportantTypes(dto.TypeProcessVote), WithBufferLimit(1000))
	ctx := context.Background()

	m.Start(ctx)
	defer m.Close()

	const total = 200
	sent := make(chan error, 1)
	go func() {
		for i := 0; i < total; i++ {
			if err := m.Send(ctx, dto.Envelope{ID: fmt.Sprintf("v%d", i), Type: dto.TypeProcessVote}); err != nil {
				sent <- err
				return
			}
		}
		sent <- nil
	}()

	dialer.allow()
	remote := dialer.remote(t)
	for i := 0; i < total; i++ {
		require.Equal(t, fmt.Sprintf("v%d", i), receive(t, remote).ID)
	}
	require.NoError(t, <-sent)
	waitState(t, m, transport.Connected)
	require.Equal(t, 0, m.Buffered())
}

func TestManager_SendFromLossSubscriberIsRejected(t *testing.T) {
	dialer := newGatedDialer()
	m := NewManager(dialer, WithImportantTypes(dto.TypeProcessVote), WithReconnectDelay(10*time.Millisecond))
	ctx := context.Background()

	fromLoss := make(chan error, 1)
	m.OnConnectionLost(func() {
		fromLoss <- m.Send(ctx, dto.Envelope{ID: "during", Type: dto.TypeProcessVote})
	})

	dialer.allow()
	m.Start(ctx)
	defer m.Close()

	first := dialer.remote(t)
	waitState(t, m, transport.Connected)
	require.NoError(t, first.Close())

	select {
	case err := <-fromLoss:
		require.ErrorIs(t, err, errs.ErrConnectionLost)
	case <-time.After(2 * time.Second):
		t.Fatal("loss not reported")
	}
	require.Equal(t, 0, m.Buffered())

	// once loss subscribers return, important messages are buffered again
	require.Eventually(t, func() bool {
		return m.Send(ctx, dto.Envelope{ID: "after", Type: dto.TypeProcessVote}) == nil
	}, 2*time.Second, 5*time.Millisecond)

	dialer.allow()
	second := dialer.remote(t)
	require.Equal(t, "after", receive(t, second).ID)
	waitState(t, m, transport.Connected)
}

func TestManager_DropsExpiredBufferedMessages(t *testing.T) {
	mock := clock.NewMock()
	dialer := newGatedDialer()
	m := NewManager(dialer,
		WithClock(mock),
		WithImportantTypes(dto.TypeProcessVote),
		WithBufferMaxAge(time.Minute),
	)
	ctx := context.Background()

	require.NoError(t, m.Send(ctx, dto.Envelope{ID: "old", Type: dto.TypeProcessVote}))
	mock.Add(61 * time.Second)
	require.NoError(t, m.Send(ctx, dto.Envelope{ID: "fresh", Type: dto.TypeProcessVote}))

	dialer.allow()
	m.Start(ctx)
	defer m.Close()

	remote := dialer.remote(t)
	require.Equal(t, "fresh", receive(t, remote).ID)
	waitState(t, m, transport.Connected)
}

func TestManager_WithEngineRejectsPendingAndReplaysImportant(t *testing.T) {
	dialer := newGatedDialer()
	m := NewManager(dialer,
		WithReconnectDelay(10*time.Millisecond),
		WithImportantTypes(dto.TypeProcessVote),
	)
	engine := correlation.NewEngine(m)
	m.OnConnectionLost(func() { engine.FailAll(nil) })

	dialer.allow()
	m.Start(context.Background())
	defer m.Close()
	remote := dialer.remote(t)
	waitState(t, m, transport.Connected)

	const k = 3
	results := make(chan error, k)
	for i := 0; i < k; i++ {
		go func() {
			_, err := engine.Send(context.Background(), dto.TypeCheckSubtitle, nil)
			results <- err
		}()
		receive(t, remote)
	}
	require.Equal(t, k, engine.Pending())

	require.NoError(t, remote.Close())
	for i := 0; i < k; i++ {
		select {
		case err := <-results:
			require.ErrorIs(t, err, errs.ErrConnectionLost)
		case <-time.After(2 * time.Second):
			t.Fatal("pending request was not rejected on loss")
		}
	}
	require.Equal(t, 0, engine.Pending())
	waitState(t, m, transport.Disconnected)

	votes := make(chan error, 2)
	for i, video := range []string{"first", "second"} {
		go func(video string) {
			_, err := engine.Send(context.Background(), dto.TypeProcessVote, map[string]string{"videoID": video})
			votes <- err
		}(video)
		want := i + 1
		require.Eventually(t, func() bool { return m.Buffered() == want }, time.Second, time.Millisecond)
	}

	dialer.allow()
	remote = dialer.remote(t)
	first := receive(t, remote)
	second := receive(t, remote)
	require.JSONEq(t, `{"videoID":"first"}`, string(first.Payload))
	require.JSONEq(t, `{"videoID":"second"}`, string(second.Payload))

	for _, env := range []dto.Envelope{first, second} {
		require.NoError(t, remote.Send(context.Background(), dto.Envelope{ID: env.ID, Response: &dto.Reply{Success: true}}))
	}
	for i := 0; i < 2; i++ {
		select {
		case err := <-votes:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("replayed request was not resolved")
		}
	}
}

func TestStateMachine_Transitions(t *testing.T) {
	sm := newStateMachine()
	require.Equal(t, transport.Disconnected, sm.Current())

	require.Error(t, sm.Transition(transport.Connected))
	require.NoError(t, sm.Transition(transport.Connecting))
	require.NoError(t, sm.Transition(transport.Connected))
	require.Error(t, sm.Transition(transport.Connecting))
	require.NoError(t, sm.Transition(transport.Disconnected))
	require.NoError(t, sm.Transition(transport.Connecting))
	require.NoError(t, sm.Transition(transport.Disconnected))
}
