package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/subbridge/core/dto"
	"github.com/vadiminshakov/subbridge/core/errs"
	"github.com/vadiminshakov/subbridge/io/transport"
)

// fakeChannel records outbound envelopes and lets the test inject inbound ones.
type fakeChannel struct {
	mu      sync.Mutex
	handler func(dto.Envelope)
	sent    chan dto.Envelope
	sendErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{sent: make(chan dto.Envelope, 128)}
}

func (f *fakeChannel) Send(_ context.Context, env dto.Envelope) error {
	f.mu.Lock()
	err := f.sendErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.sent <- env
	return nil
}

func (f *fakeChannel) OnMessage(fn func(dto.Envelope)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = fn
}

func (f *fakeChannel) State() transport.State { return transport.Connected }

func (f *fakeChannel) deliver(env dto.Envelope) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(env)
}

func (f *fakeChannel) next(t *testing.T) dto.Envelope {
	t.Helper()
	select {
	case env := <-f.sent:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope was sent")
		return dto.Envelope{}
	}
}

type result struct {
	data json.RawMessage
	err  error
}

func sendAsync(e *Engine, msgType string, payload any, opts ...SendOption) <-chan result {
	out := make(chan result, 1)
	go func() {
		data, err := e.Send(context.Background(), msgType, payload, opts...)
		out <- result{data, err}
	}()
	return out
}

func await(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("send did not complete")
		return result{}
	}
}

func okReply(t *testing.T, id string, data any) dto.Envelope {
	reply, err := dto.OK(data)
	require.NoError(t, err)
	return dto.Envelope{ID: id, Response: reply}
}

func TestEngine_SendResolvesWithReply(t *testing.T) {
	ch := newFakeChannel()
	engine := NewEngine(ch)

	res := sendAsync(engine, dto.TypeCheckSubtitle, map[string]string{"videoID": "abc"})
	env := ch.next(t)
	require.Equal(t, dto.TypeCheckSubtitle, env.Type)
	require.NotEmpty(t, env.ID)
	require.JSONEq(t, `{"videoID":"abc"}`, string(env.Payload))

	ch.deliver(okReply(t, env.ID, map[string]bool{"available": true}))

	r := await(t, res)
	require.NoError(t, r.err)
	require.JSONEq(t, `{"available":true}`, string(r.data))
	require.Equal(t, 0, engine.Pending())
}

func TestEngine_RemoteErrorRejects(t *testing.T) {
	ch := newFakeChannel()
	engine := NewEngine(ch)

	res := sendAsync(engine, dto.TypeProcessVote, nil)
	env := ch.next(t)
	ch.deliver(dto.Envelope{ID: env.ID, Response: &dto.Reply{Success: false, Error: "rate limited"}})

	r := await(t, res)
	var remote *errs.RemoteError
	require.ErrorAs(t, r.err, &remote)
	require.Equal(t, "rate limited", remote.Message)
	require.Equal(t, dto.TypeProcessVote, remote.MessageType)
}

// A PROCESS_VOTE without a reply times out after 15000ms.
func TestEngine_TimeoutNamesMessageType(t *testing.T) {
	ch := newFakeChannel()
	mock := clock.NewMock()
	engine := NewEngine(ch, WithClock(mock))

	res := sendAsync(engine, dto.TypeProcessVote, nil)
	ch.next(t)

	mock.Add(14999 * time.Millisecond)
	select {
	case <-res:
		t.Fatal("request settled before its timeout")
	default:
	}

	mock.Add(time.Millisecond)
	r := await(t, res)

	var timeout *errs.TimeoutError
	require.ErrorAs(t, r.err, &timeout)
	require.Equal(t, dto.TypeProcessVote, timeout.MessageType)
	require.Contains(t, r.err.Error(), "PROCESS_VOTE")
	require.ErrorIs(t, r.err, errs.ErrTimeout)
	require.Equal(t, 0, engine.Pending())
}

func TestEngine_TimeoutOverride(t *testing.T) {
	ch := newFakeChannel()
	mock := clock.NewMock()
	engine := NewEngine(ch, WithClock(mock))

	res := sendAsync(engine, dto.TypeCheckSubtitle, nil, WithTimeout(time.Second))
	ch.next(t)

	mock.Add(time.Second)
	r := await(t, res)
	require.ErrorIs(t, r.err, errs.ErrTimeout)
}

// A response for msg_42 arriving twice resolves the caller once.
func TestEngine_DuplicateResponseIsDiscarded(t *testing.T) {
	ch := newFakeChannel()
	engine := NewEngine(ch, WithIDGenerator(func() string { return "msg_42" }))

	res := sendAsync(engine, dto.TypePing, nil)
	env := ch.next(t)
	require.Equal(t, "msg_42", env.ID)

	ch.deliver(okReply(t, "msg_42", map[string]int{"n": 1}))
	ch.deliver(okReply(t, "msg_42", map[string]int{"n": 2}))

	r := await(t, res)
	require.NoError(t, r.err)
	require.JSONEq(t, `{"n":1}`, string(r.data))

	select {
	case <-res:
		t.Fatal("caller resolved twice")
	default:
	}
	require.Equal(t, 0, engine.Pending())
}

func TestEngine_UnknownResponseHasNoEffect(t *testing.T) {
	ch := newFakeChannel()
	engine := NewEngine(ch)

	res := sendAsync(engine, dto.TypePing, nil)
	env := ch.next(t)

	ch.deliver(okReply(t, "msg_unknown", nil))
	require.Equal(t, 1, engine.Pending())

	ch.deliver(okReply(t, env.ID, nil))
	require.NoError(t, await(t, res).err)
}

func TestEngine_FailAllRejectsExactlyPending(t *testing.T) {
	ch := newFakeChannel()
	engine := NewEngine(ch)

	const k = 5
	results := make([]<-chan result, 0, k)
	for i := 0; i < k; i++ {
		results = append(results, sendAsync(engine, dto.TypeProcessVote, i))
		ch.next(t)
	}
	require.Equal(t, k, engine.Pending())

	require.Equal(t, k, engine.FailAll(nil))

	for _, res := range results {
		r := await(t, res)
		require.ErrorIs(t, r.err, errs.ErrConnectionLost)
		var lost *errs.ConnectionLostError
		require.ErrorAs(t, r.err, &lost)
		require.Equal(t, dto.TypeProcessVote, lost.MessageType)
	}
	require.Equal(t, 0, engine.Pending())
	require.Equal(t, 0, engine.FailAll(nil))
}

func TestEngine_SendFailureRejectsImmediately(t *testing.T) {
	ch := newFakeChannel()
	ch.sendErr = &errs.ConnectionLostError{MessageType: dto.TypePing}
	engine := NewEngine(ch)

	_, err := engine.Send(context.Background(), dto.TypePing, nil)
	require.ErrorIs(t, err, errs.ErrConnectionLost)
	require.Equal(t, 0, engine.Pending())
}

func TestEngine_ContextCancelCleansUp(t *testing.T) {
	ch := newFakeChannel()
	engine := NewEngine(ch)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan error, 1)
	go func() {
		_, err := engine.Send(ctx, dto.TypePing, nil)
		out <- err
	}()
	env := ch.next(t)
	cancel()

	select {
	case err := <-out:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("send ignored context cancellation")
	}
	require.Equal(t, 0, engine.Pending())

	// a late reply is harmless
	ch.deliver(okReply(t, env.ID, nil))
}

func TestEngine_ConcurrentRequestsMatchedById(t *testing.T) {
	ch := newFakeChannel()
	engine := NewEngine(ch)

	const n = 50
	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, err := engine.Send(context.Background(), dto.TypePing, map[string]int{"n": i})
			if err != nil {
				errCh <- err
				return
			}
			var got map[string]int
			if err := json.Unmarshal(data, &got); err != nil {
				errCh <- err
				return
			}
			if got["n"] != i {
				errCh <- fmt.Errorf("request %d got reply %d", i, got["n"])
			}
		}(i)
	}

	envs := make([]dto.Envelope, 0, n)
	for i := 0; i < n; i++ {
		envs = append(envs, ch.next(t))
	}
	// answer in reverse order
	for i := len(envs) - 1; i >= 0; i-- {
		ch.deliver(dto.Envelope{ID: envs[i].ID, Response: &dto.Reply{Success: true, Data: envs[i].Payload}})
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}
	require.Equal(t, 0, engine.Pending())
}

func TestEngine_ServesInboundRequests(t *testing.T) {
	ch := newFakeChannel()
	engine := NewEngine(ch, WithHandler(HandlerFunc(func(_ context.Context, env dto.Envelope) (any, error) {
		if env.Type == "FAIL" {
			return nil, errors.New("nope")
		}
		return map[string]string{"pong": env.Type}, nil
	})))
	_ = engine

	ch.deliver(dto.Envelope{ID: "req_1", Type: dto.TypePing})
	reply := ch.next(t)
	require.Equal(t, "req_1", reply.ID)
	require.True(t, reply.Response.Success)
	require.JSONEq(t, `{"pong":"PING"}`, string(reply.Response.Data))

	ch.deliver(dto.Envelope{ID: "req_2", Type: "FAIL"})
	reply = ch.next(t)
	require.Equal(t, "req_2", reply.ID)
	require.False(t, reply.Response.Success)
	require.Equal(t, "nope", reply.Response.Error)
}

func TestEngine_NotificationsReachSubscribers(t *testing.T) {
	ch := newFakeChannel()
	engine := NewEngine(ch)

	got := make(chan json.RawMessage, 1)
	engine.Subscribe(dto.TypeConfigChanged, func(p json.RawMessage) { got <- p })

	ch.deliver(dto.Envelope{Type: dto.TypeConfigChanged, Payload: json.RawMessage(`{"key":"lang"}`)})
	require.JSONEq(t, `{"key":"lang"}`, string(<-got))

	require.NoError(t, engine.Notify(context.Background(), dto.TypePageReady, nil))
	env := ch.next(t)
	require.True(t, env.IsNotification())
	require.Equal(t, dto.TypePageReady, env.Type)
}

func TestTimeouts_ForAndMerge(t *testing.T) {
	timeouts := DefaultTimeouts()
	require.Equal(t, 30*time.Second, timeouts.For(dto.TypeCheckSubtitle))
	require.Equal(t, 20*time.Second, timeouts.For(dto.TypeSubmitTranslation))
	require.Equal(t, 15*time.Second, timeouts.For(dto.TypeProcessVote))
	require.Equal(t, 10*time.Second, timeouts.For("ANYTHING_ELSE"))

	merged := timeouts.Merge(map[string]time.Duration{
		"default":           5 * time.Second,
		dto.TypeProcessVote: time.Second,
		dto.TypePing:        0,
	})
	require.Equal(t, 5*time.Second, merged.For("ANYTHING_ELSE"))
	require.Equal(t, time.Second, merged.For(dto.TypeProcessVote))
	require.Equal(t, 5*time.Second, merged.For(dto.TypePing))
	require.Equal(t, 15*time.Second, timeouts.For(dto.TypeProcessVote), "Merge must not mutate the receiver")
}
