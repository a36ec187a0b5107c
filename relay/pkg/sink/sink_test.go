package sink

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/malbeclabs/relay/relay/pkg/notify"
	relaytesting "github.com/malbeclabs/relay/utils/pkg/testing"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type recordingDeliverer struct {
	mu      sync.Mutex
	got     []notify.Notification
	failOn  map[string]bool
	release chan struct{}
}

func (d *recordingDeliverer) Name() string { return "recording" }

func (d *recordingDeliverer) Deliver(ctx context.Context, n notify.Notification) error {
	if d.release != nil {
		<-d.release
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = append(d.got, n)
	if d.failOn[n.Content()] {
		return errors.New("boom")
	}
	return nil
}

func (d *recordingDeliverer) delivered() []notify.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]notify.Notification(nil), d.got...)
}

func newTestSink(t *testing.T, d Deliverer) (*Sink, *notify.Queue, *relaytesting.Console) {
	t.Helper()
	q, err := notify.NewQueue(notify.QueueConfig{})
	require.NoError(t, err)
	console := &relaytesting.Console{}
	s, err := New(Config{
		Logger:    relaytesting.NewLogger(),
		Queue:     q,
		Console:   console,
		Deliverer: d,
	})
	require.NoError(t, err)
	return s, q, console
}

func runSink(t *testing.T, s *Sink) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("sink did not stop")
		return nil
	}
}

func TestRelay_Sink_New(t *testing.T) {
	t.Parallel()

	q, err := notify.NewQueue(notify.QueueConfig{})
	require.NoError(t, err)

	_, err = New(Config{Queue: q, Console: &relaytesting.Console{}})
	require.Error(t, err)
	_, err = New(Config{Logger: relaytesting.NewLogger(), Console: &relaytesting.Console{}})
	require.Error(t, err)
	_, err = New(Config{Logger: relaytesting.NewLogger(), Queue: q})
	require.Error(t, err)

	s, err := New(Config{Logger: relaytesting.NewLogger(), Queue: q, Console: &relaytesting.Console{}})
	require.NoError(t, err)
	require.Equal(t, "console", s.DelivererName())
}

func TestRelay_Sink_Run_EchoOnlyDrainsUntilSentinel(t *testing.T) {
	t.Parallel()

	s, q, console := newTestSink(t, nil)
	require.NoError(t, q.Push(notify.Chat("Bob [Sol Empire]", "hello")))
	require.NoError(t, q.Push(notify.Chat("Ann", "hi all")))
	q.PushDisconnect()

	require.NoError(t, waitDone(t, runSink(t, s)))
	require.Equal(t, []string{"Bob [Sol Empire]: hello", "Ann: hi all"}, console.Lines())
	require.Equal(t, 0, q.Len())
}

func TestRelay_Sink_Run_DoesNotStopBeforeSentinel(t *testing.T) {
	t.Parallel()

	s, q, console := newTestSink(t, nil)
	done := runSink(t, s)
	require.NoError(t, q.Push(notify.Chat("a", "1")))

	select {
	case <-done:
		t.Fatal("sink stopped without a sentinel")
	case <-time.After(50 * time.Millisecond):
	}

	q.PushDisconnect()
	require.NoError(t, waitDone(t, done))
	require.Equal(t, []string{"a: 1"}, console.Lines())
}

func TestRelay_Sink_Run_DeliveryFailuresDoNotStopProgress(t *testing.T) {
	t.Parallel()

	d := &recordingDeliverer{failOn: map[string]bool{"2": true}}
	s, q, console := newTestSink(t, d)
	for _, c := range []string{"1", "2", "3"} {
		require.NoError(t, q.Push(notify.Chat("u", c)))
	}
	q.PushDisconnect()

	require.NoError(t, waitDone(t, runSink(t, s)))
	require.Equal(t, []string{"u: 1", "u: 2", "u: 3"}, console.Lines())
	require.Len(t, d.delivered(), 3, "each notification is attempted exactly once")
}

func TestRelay_Sink_Run_UnreachableWebhook(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	s, q, console := newTestSink(t, NewWebhookDeliverer(url, nil))
	require.NoError(t, q.Push(notify.Chat("a", "first")))
	require.NoError(t, q.Push(notify.Chat("b", "second")))
	q.PushDisconnect()

	require.NoError(t, waitDone(t, runSink(t, s)))
	require.Equal(t, []string{"a: first", "b: second"}, console.Lines())
}

func TestRelay_Sink_Run_SlowDeliveryKeepsQueueing(t *testing.T) {
	t.Parallel()

	d := &recordingDeliverer{release: make(chan struct{})}
	s, q, _ := newTestSink(t, d)
	done := runSink(t, s)

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Push(notify.Chat("u", "x")))
	}
	require.Eventually(t, func() bool { return q.Len() == 9 }, time.Second, 5*time.Millisecond)

	close(d.release)
	q.PushDisconnect()
	require.NoError(t, waitDone(t, done))
	require.Len(t, d.delivered(), 10)
}

func TestRelay_Sink_Run_WithLimiter(t *testing.T) {
	t.Parallel()

	d := &recordingDeliverer{}
	q, err := notify.NewQueue(notify.QueueConfig{})
	require.NoError(t, err)
	s, err := New(Config{
		Logger:    relaytesting.NewLogger(),
		Queue:     q,
		Console:   &relaytesting.Console{},
		Deliverer: d,
		Limiter:   rate.NewLimiter(rate.Every(time.Millisecond), 1),
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Push(notify.Chat("u", "x")))
	}
	q.PushDisconnect()
	require.NoError(t, waitDone(t, runSink(t, s)))
	require.Len(t, d.delivered(), 5)
}

func TestRelay_Sink_Run_ContextCancelled(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestSink(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, s.Run(ctx), context.Canceled)
}
