package replay

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/relay/relay/pkg/feed"
	relaytesting "github.com/malbeclabs/relay/utils/pkg/testing"
)

const capture = `{"tables":{"empire_state":[{"entity_id":7,"name":"Sol Empire"}]}}

{"tables":{"chat_message_state":[{"channel_id":5,"target_id":7,"username":"Bob","text":"hello","timestamp":0}]}}
not json
{"tables":{"claim_state":[{"entity_id":3,"name":"Harbor"}]}}
`

func writeCapture(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRelay_Replay_Run_EmitsEachLineThenStops(t *testing.T) {
	t.Parallel()

	src, err := New(Config{Logger: relaytesting.NewLogger(), Path: writeCapture(t, capture)})
	require.NoError(t, err)
	connected := false
	src.OnConnect(func() { connected = true })

	var got []feed.UpdateBatch
	require.NoError(t, src.Run(context.Background(), func(b feed.UpdateBatch) { got = append(got, b) }))

	require.True(t, connected)
	require.Len(t, got, 3)
	require.Equal(t, []uint64{1, 2, 3}, []uint64{got[0].Tick, got[1].Tick, got[2].Tick})
	require.Equal(t, "Sol Empire", got[0].Empires[0].Name)
	require.Equal(t, "hello", got[1].Chats[0].Text)
	require.Equal(t, "Harbor", got[2].Claims[0].Name)
}

func TestRelay_Replay_Run_MissingFileIsFault(t *testing.T) {
	t.Parallel()

	src, err := New(Config{Logger: relaytesting.NewLogger(), Path: filepath.Join(t.TempDir(), "missing.jsonl")})
	require.NoError(t, err)
	require.ErrorContains(t, src.Run(context.Background(), func(feed.UpdateBatch) {}), "failed to open replay file")
}

func TestRelay_Replay_Run_PacesWithClock(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	src, err := New(Config{
		Logger:   relaytesting.NewLogger(),
		Clock:    clock,
		Path:     writeCapture(t, capture),
		Interval: time.Second,
	})
	require.NoError(t, err)

	var (
		mu  sync.Mutex
		got int
	)
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return got
	}
	done := make(chan error, 1)
	go func() {
		done <- src.Run(context.Background(), func(feed.UpdateBatch) {
			mu.Lock()
			got++
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool { return count() == 1 }, time.Second, 5*time.Millisecond)
	for want := 2; want <= 3; want++ {
		require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
		clock.Advance(time.Second)
		require.Eventually(t, func() bool { return count() == want }, time.Second, 5*time.Millisecond)
	}
	require.NoError(t, <-done)
}

func TestRelay_Replay_Run_CancelStopsPacing(t *testing.T) {
	t.Parallel()

	src, err := New(Config{
		Logger:   relaytesting.NewLogger(),
		Clock:    clockwork.NewFakeClock(),
		Path:     writeCapture(t, capture),
		Interval: time.Hour,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, func(feed.UpdateBatch) {}) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("replay did not stop")
	}
}

func TestRelay_Replay_Replay_LineTooLong(t *testing.T) {
	t.Parallel()

	src, err := New(Config{Logger: relaytesting.NewLogger(), Path: "unused"})
	require.NoError(t, err)
	long := `{"tables":{"x":["` + strings.Repeat("a", maxLineBytes) + `"]}}`
	err = src.replay(context.Background(), strings.NewReader(long), func(feed.UpdateBatch) {})
	require.ErrorContains(t, err, "line 1")
}

func TestRelay_Replay_New_Validate(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Logger: relaytesting.NewLogger()})
	require.Error(t, err)
	_, err = New(Config{Logger: relaytesting.NewLogger(), Path: "x", Interval: -time.Second})
	require.Error(t, err)
}
