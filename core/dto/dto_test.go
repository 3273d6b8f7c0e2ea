package dto

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

func mustReply(t *testing.T, result any) *Reply {
	t.Helper()
	r, err := OK(result)
	require.NoError(t, err)
	return r
}

func TestEnvelope_WireShape(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	payload, err := json.Marshal(ConfigChange{Key: "theme", Value: "dark", OldValue: "light"})
	require.NoError(t, err)

	cases := map[string]Envelope{
		"request": {
			ID:      "7f1c",
			Type:    TypeProcessVote,
			Payload: json.RawMessage(`{"videoID":"abc","timestamp":120,"voteType":"upvote"}`),
		},
		"response_ok": {
			ID:       "7f1c",
			Response: mustReply(t, Ack{Queued: true, QueuePosition: 1, ItemID: "item-1"}),
		},
		"response_error": {
			ID:       "7f1c",
			Response: Fail(errors.New("validation failed: videoID: required")),
		},
		"response_scalar": {
			ID:       "7f1c",
			Response: mustReply(t, true),
		},
		"notification": {
			Type:    TypeConfigChanged,
			Payload: payload,
		},
	}

	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			raw, err := json.Marshal(env)
			require.NoError(t, err)
			g.Assert(t, name, append(raw, '\n'))
		})
	}
}

func TestEnvelope_DecodeClassifies(t *testing.T) {
	var req, resp, note Envelope
	require.NoError(t, json.Unmarshal([]byte(`{"id":"1","type":"PING"}`), &req))
	require.NoError(t, json.Unmarshal([]byte(`{"id":"1","response":{"success":true,"queued":true,"queuePosition":2}}`), &resp))
	require.NoError(t, json.Unmarshal([]byte(`{"type":"CONFIG_CHANGED","payload":{"key":"k"}}`), &note))

	require.False(t, req.IsResponse())
	require.False(t, req.IsNotification())
	require.True(t, resp.IsResponse())
	require.True(t, note.IsNotification())

	require.True(t, resp.Response.Success)
	require.JSONEq(t, `{"queued":true,"queuePosition":2}`, string(resp.Response.Data))
}

func TestReply_ErrorWithoutSuccessFieldFails(t *testing.T) {
	var r Reply
	require.NoError(t, json.Unmarshal([]byte(`{"error":"boom"}`), &r))
	require.False(t, r.Success)
	require.Equal(t, "boom", r.Error)
	require.Empty(t, r.Data)

	require.NoError(t, json.Unmarshal([]byte(`{"success":true,"data":[1,2]}`), &r))
	require.True(t, r.Success)
	require.JSONEq(t, `[1,2]`, string(r.Data))
}
