package redisfeed

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/relay/relay/pkg/feed"
	relaytesting "github.com/malbeclabs/relay/utils/pkg/testing"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestSource(t *testing.T, url string) *Source {
	t.Helper()
	src, err := New(Config{
		Logger: relaytesting.NewLogger(),
		Clock:  clockwork.NewFakeClockAt(testNow),
		URL:    url,
	})
	require.NoError(t, err)
	return src
}

func TestRelay_Redisfeed_New(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Logger: relaytesting.NewLogger()})
	require.Error(t, err)

	_, err = New(Config{Logger: relaytesting.NewLogger(), URL: "http://not-redis"})
	require.ErrorContains(t, err, "invalid redis url")

	src := newTestSource(t, "redis://localhost:6379/0")
	require.Equal(t, DefaultChannel, src.cfg.Channel)
}

func TestRelay_Redisfeed_Consume_EmitsUntilChannelCloses(t *testing.T) {
	t.Parallel()

	src := newTestSource(t, "redis://localhost:6379/0")
	ch := make(chan *goredis.Message, 4)
	ch <- &goredis.Message{Channel: DefaultChannel, Payload: `{"tables":{"player_username_state":[{"entity_id":42,"username":"Ann"}]}}`}
	ch <- &goredis.Message{Channel: DefaultChannel, Payload: `garbage`}
	ch <- &goredis.Message{Channel: DefaultChannel, Payload: `{"tables":{}}`}
	ch <- &goredis.Message{Channel: DefaultChannel, Payload: `{"tables":{"chat_message_state":[{"channel_id":3,"target_id":0,"username":"Ann","text":"hi","timestamp":0}]}}`}
	close(ch)

	var got []feed.UpdateBatch
	src.consume(context.Background(), ch, func(b feed.UpdateBatch) { got = append(got, b) })

	require.Len(t, got, 2)
	require.Equal(t, uint64(1), got[0].Tick)
	require.Equal(t, []feed.ReferenceRow{{EntityID: 42, Name: "Ann"}}, got[0].Players)
	require.Equal(t, testNow, got[0].Received)
	require.Equal(t, uint64(2), got[1].Tick)
	require.Equal(t, "hi", got[1].Chats[0].Text)
}

func TestRelay_Redisfeed_Consume_StopsOnCancel(t *testing.T) {
	t.Parallel()

	src := newTestSource(t, "redis://localhost:6379/0")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		src.consume(ctx, make(chan *goredis.Message), func(feed.UpdateBatch) {})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consume did not stop")
	}
}

func TestRelay_Redisfeed_Run_UnreachableServerIsFault(t *testing.T) {
	t.Parallel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	src := newTestSource(t, "redis://"+addr+"/0")
	err = src.Run(context.Background(), func(feed.UpdateBatch) {})
	require.ErrorContains(t, err, "redis subscribe")
}
