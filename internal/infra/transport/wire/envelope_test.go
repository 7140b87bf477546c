package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/domain/schema"
)

func TestDecodeClassifiesEvents(t *testing.T) {
	body := []byte(`{
		"t": {"t": "17000000000000101", "r": 12},
		"m": [
			{"a": "1", "f": 0, "i": "alice", "p": {"t": "17000000000000100", "r": 12}, "k": "sub-c", "c": "room1", "d": {"text": "hi"}, "u": {"lang": "en"}},
			{"e": 1, "p": {"t": "17000000000000100", "r": 12}, "c": "room1", "d": "typing"},
			{"e": 2, "p": {"t": "17000000000000100", "r": 12}, "c": "room1", "d": {"event": "set", "type": "uuid"}},
			{"p": {"t": "17000000000000100", "r": 12}, "c": "room1-pnpres", "b": "lobby-pnpres", "d": {"action": "join", "uuid": "bob", "occupancy": 2, "timestamp": 1700000000}},
			{"p": {"t": "17000000000000100", "r": 12}, "c": "room2", "b": "lobby", "d": 5}
		]
	}`)

	batch, err := Decode(body)
	require.NoError(t, err)
	require.Equal(t, schema.Cursor{Timetoken: 17000000000000101, Region: 12}, batch.Next)
	require.Len(t, batch.Events, 5)

	msg := batch.Events[0]
	require.Equal(t, schema.EventKindMessage, msg.Kind)
	require.Equal(t, "room1", msg.Channel)
	require.Empty(t, msg.Subscription)
	require.Equal(t, "alice", msg.Publisher)
	require.Equal(t, uint64(17000000000000100), msg.Timetoken)
	require.JSONEq(t, `{"text":"hi"}`, string(msg.Payload))
	require.JSONEq(t, `{"lang":"en"}`, string(msg.Metadata))

	require.Equal(t, schema.EventKindSignal, batch.Events[1].Kind)
	require.Equal(t, schema.EventKindObjectUpdate, batch.Events[2].Kind)

	presence := batch.Events[3]
	require.Equal(t, schema.EventKindPresenceChange, presence.Kind)
	require.Equal(t, "room1", presence.Channel)
	require.Equal(t, "lobby", presence.Subscription)
	require.NotNil(t, presence.Presence)
	require.Equal(t, schema.PresenceJoin, presence.Presence.Action)
	require.Equal(t, "bob", presence.Presence.UUID)
	require.Equal(t, 2, presence.Presence.Occupancy)

	require.Equal(t, "lobby", batch.Events[4].Subscription)
}

func TestDecodeEmptyBatch(t *testing.T) {
	batch, err := Decode([]byte(`{"t":{"t":"15","r":1},"m":[]}`))
	require.NoError(t, err)
	require.True(t, batch.Empty())
	require.Equal(t, uint64(15), batch.Next.Timetoken)
}

func TestDecodeRejectsMalformedBodies(t *testing.T) {
	cases := map[string]string{
		"not json":          `<html>`,
		"missing timetoken": `{"m":[]}`,
		"bad timetoken":     `{"t":{"t":"abc"}}`,
		"zero timetoken":    `{"t":{"t":"0"},"m":[]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(body))
			require.Error(t, err)
			require.Equal(t, errs.CodeMalformedResponse, errs.KindOf(err))
			require.True(t, errs.Retryable(err))
		})
	}
}

func TestDecodeSkipsUndecodableMessages(t *testing.T) {
	body := []byte(`{"t":{"t":"102","r":1},"m":[
		{"p":{"t":"100","r":1},"c":"room1","d":"good"},
		{"p":{"t":"101","r":1},"c":"room1-pnpres","d":"not-an-object"},
		{"p":{"t":"101","r":1},"d":1},
		{"p":{"t":"101","r":1},"c":"room2","d":{"n":2}}
	]}`)

	batch, err := Decode(body)
	require.NoError(t, err)
	require.Equal(t, schema.Cursor{Timetoken: 102, Region: 1}, batch.Next)
	require.False(t, batch.Empty())

	require.Len(t, batch.Events, 2)
	require.Equal(t, "room1", batch.Events[0].Channel)
	require.Equal(t, `"good"`, string(batch.Events[0].Payload))
	require.Equal(t, "room2", batch.Events[1].Channel)

	require.Len(t, batch.Rejected, 2)
	presence := batch.Rejected[0]
	require.Equal(t, 1, presence.Index)
	require.Equal(t, "room1-pnpres", presence.Channel)
	require.Equal(t, uint64(101), presence.Timetoken)
	require.Equal(t, errs.CodeMalformedResponse, errs.KindOf(presence.Err))
	require.Equal(t, 2, batch.Rejected[1].Index)
	require.Empty(t, batch.Rejected[1].Channel)
}

func TestStatusErrorMapsServiceBody(t *testing.T) {
	err := StatusError("httppoll/subscribe", 403, []byte(`{"status":403,"error":true,"message":"Forbidden","service":"Access Manager","payload":{"channels":["secret"]}}`))
	require.Equal(t, errs.CodeAuthDenied, err.Code)
	require.Equal(t, 403, err.HTTP)
	require.Equal(t, "Forbidden", err.Message)
	require.Equal(t, "secret", err.Metadata["channels"])

	err = StatusError("httppoll/subscribe", 400, []byte(`Invalid channel`))
	require.Equal(t, errs.CodeSubscriptionConflict, err.Code)
	require.Equal(t, "Invalid channel", err.RawMsg)

	require.Equal(t, errs.CodeServerError, StatusError("x", 503, nil).Code)
}

func TestDecodePublish(t *testing.T) {
	tt, err := DecodePublish([]byte(`[1,"Sent","17000000000000000"]`))
	require.NoError(t, err)
	require.Equal(t, uint64(17000000000000000), tt)

	_, err = DecodePublish([]byte(`[0,"Message Too Large","17000000000000000"]`))
	require.Equal(t, errs.CodeSubscriptionConflict, errs.KindOf(err))

	_, err = DecodePublish([]byte(`{}`))
	require.Equal(t, errs.CodeMalformedResponse, errs.KindOf(err))
}

func TestSubscribeRequestAndReply(t *testing.T) {
	snap := schema.Snapshot{
		Channels: []schema.Entry{{Name: "room", Presence: true}},
		Groups:   []schema.Entry{{Name: "lobby"}},
	}
	req := NewSubscribeRequest("r1", schema.Cursor{Timetoken: 42, Region: 3}, snap, 300)
	require.Equal(t, OpSubscribe, req.Op)
	require.Equal(t, []string{"room", "room-pnpres"}, req.Channels)
	require.Equal(t, []string{"lobby"}, req.Groups)
	require.Equal(t, "42", req.Timetoken)
	require.Equal(t, uint32(3), req.Region)

	reply, err := DecodeReply([]byte(`{"id":"r1","t":{"t":"43","r":3},"m":[{"p":{"t":"42"},"c":"room","d":1}]}`))
	require.NoError(t, err)
	require.Equal(t, "r1", reply.ID)
	require.Nil(t, reply.Error)
	batch, err := reply.Batch()
	require.NoError(t, err)
	require.Len(t, batch.Events, 1)

	reply, err = DecodeReply([]byte(`{"id":"r2","error":{"status":403,"message":"Forbidden"}}`))
	require.NoError(t, err)
	require.NotNil(t, reply.Error)
	require.Equal(t, 403, reply.Error.Status)
}
