package fake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/domain/schema"
)

func TestPollConsumesScriptInOrder(t *testing.T) {
	tr := New()
	boom := errs.New("fake/poll", errs.CodeServerError)
	tr.PushBatch(schema.Cursor{Timetoken: 10}, schema.Event{Channel: "a", Timetoken: 9})
	tr.PushError(boom)

	snap := schema.Snapshot{Channels: []schema.Entry{{Name: "a"}}}
	batch, err := tr.Poll(context.Background(), schema.Cursor{}, snap, time.Second)
	require.NoError(t, err)
	require.Equal(t, uint64(10), batch.Next.Timetoken)
	require.Len(t, batch.Events, 1)

	_, err = tr.Poll(context.Background(), batch.Next, snap, time.Second)
	require.True(t, errors.Is(err, boom))

	polls := tr.Polls()
	require.Len(t, polls, 2)
	require.Equal(t, uint64(10), polls[1].Cursor.Timetoken)
	require.Zero(t, tr.Pending())
}

func TestPollHoldsUntilCancelledOrPushed(t *testing.T) {
	tr := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tr.Poll(ctx, schema.Cursor{}, schema.Snapshot{}, time.Second)
	require.Equal(t, errs.CodeNetworkTimeout, errs.KindOf(err))

	done := make(chan schema.Batch, 1)
	go func() {
		batch, _ := tr.Poll(context.Background(), schema.Cursor{}, schema.Snapshot{}, time.Second)
		done <- batch
	}()
	<-tr.PollStarted()
	<-tr.PollStarted()
	tr.PushBatch(schema.Cursor{Timetoken: 5})
	select {
	case batch := <-done:
		require.Equal(t, uint64(5), batch.Next.Timetoken)
	case <-time.After(time.Second):
		t.Fatal("poll did not observe pushed response")
	}
}

func TestPublishLoopsBack(t *testing.T) {
	tr := New()
	tt, err := tr.Publish(context.Background(), "room1", map[string]string{"text": "hi"}, nil)
	require.NoError(t, err)
	require.NotZero(t, tt)

	batch, err := tr.Poll(context.Background(), schema.Cursor{}, schema.Snapshot{}, time.Second)
	require.NoError(t, err)
	require.Len(t, batch.Events, 1)
	require.Equal(t, tt, batch.Events[0].Timetoken)
	require.JSONEq(t, `{"text":"hi"}`, string(batch.Events[0].Payload))
	require.Greater(t, batch.Next.Timetoken, tt)

	_, err = tr.Publish(context.Background(), "bad,name", "x", nil)
	require.Error(t, err)
}
