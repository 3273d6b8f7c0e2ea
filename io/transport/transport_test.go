package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/subbridge/core/dto"
)

func TestPipe_SendReceive(t *testing.T) {
	a, b := Pipe()
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, dto.Envelope{ID: "msg_1", Type: "PING"}))
	require.NoError(t, b.Send(ctx, dto.Envelope{ID: "msg_1", Response: &dto.Reply{Success: true}}))

	got, err := b.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "PING", got.Type)

	got, err = a.Receive(ctx)
	require.NoError(t, err)
	require.True(t, got.IsResponse())
}

func TestPipe_CloseEitherEnd(t *testing.T) {
	a, b := Pipe()

	require.NoError(t, b.Close())

	err := a.Send(context.Background(), dto.Envelope{ID: "x"})
	require.ErrorIs(t, err, ErrClosed)

	_, err = a.Receive(context.Background())
	require.ErrorIs(t, err, ErrClosed)

	// double close is harmless
	require.NoError(t, a.Close())
}

func TestPipe_ReceiveHonoursContext(t *testing.T) {
	a, _ := Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := a.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPump_DispatchesAndReportsLoss(t *testing.T) {
	local, remote := Pipe()
	pump := NewPump(local)

	received := make(chan dto.Envelope, 1)
	pump.OnMessage(func(env dto.Envelope) { received <- env })

	states := make(chan State, 1)
	pump.OnStateChange(func(s State) { states <- s })

	done := make(chan error, 1)
	go func() { done <- pump.Run(context.Background()) }()

	require.Equal(t, Connected, pump.State())
	require.NoError(t, remote.Send(context.Background(), dto.Envelope{Type: "PAGE_READY"}))

	select {
	case env := <-received:
		require.Equal(t, "PAGE_READY", env.Type)
	case <-time.After(time.Second):
		t.Fatal("envelope was not dispatched")
	}

	require.NoError(t, remote.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("pump did not stop after conn loss")
	}
	require.Equal(t, Disconnected, <-states)
	require.Equal(t, Disconnected, pump.State())
	require.ErrorIs(t, pump.Send(context.Background(), dto.Envelope{ID: "late"}), ErrClosed)
}

func TestState_String(t *testing.T) {
	require.Equal(t, "connecting", Connecting.String())
	require.Equal(t, "connected", Connected.String())
	require.Equal(t, "disconnected", Disconnected.String())
	require.Equal(t, "unknown", State(42).String())
}
