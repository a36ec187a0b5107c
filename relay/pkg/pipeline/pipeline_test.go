package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/relay/relay/pkg/feed"
	"github.com/malbeclabs/relay/relay/pkg/materializer"
	"github.com/malbeclabs/relay/relay/pkg/notify"
	"github.com/malbeclabs/relay/relay/pkg/sink"
	relaytesting "github.com/malbeclabs/relay/utils/pkg/testing"
)

// scriptedSource emits its batches then returns err, or waits for ctx when
// block is set.
type scriptedSource struct {
	batches []feed.UpdateBatch
	err     error
	block   bool
}

func (s *scriptedSource) Run(ctx context.Context, emit func(feed.UpdateBatch)) error {
	for _, b := range s.batches {
		emit(b)
	}
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.err
}

type funcMaterializer func(feed.UpdateBatch) []notify.Notification

func (f funcMaterializer) Apply(b feed.UpdateBatch) []notify.Notification { return f(b) }

type blockingSink struct{}

func (blockingSink) Run(ctx context.Context) error {
	select {}
}

func batch(t *testing.T, tick uint64, tables map[string]string) feed.UpdateBatch {
	t.Helper()
	raw := make(map[string][]json.RawMessage, len(tables))
	for table, row := range tables {
		raw[table] = []json.RawMessage{json.RawMessage(row)}
	}
	b, err := feed.DecodeTables(raw)
	require.NoError(t, err)
	b.Tick = tick
	return b
}

func chatBatch(t *testing.T, tick uint64, user, text string) feed.UpdateBatch {
	t.Helper()
	row, err := json.Marshal(map[string]any{"channel_id": 3, "target_id": 0, "username": user, "text": text, "timestamp": 0})
	require.NoError(t, err)
	return batch(t, tick, map[string]string{feed.TableChats: string(row)})
}

type harness struct {
	pipeline *Pipeline
	console  *relaytesting.Console
	queue    *notify.Queue
}

func newHarness(t *testing.T, src feed.Source, m Materializer, s Sink, clock clockwork.Clock, timeout time.Duration) *harness {
	t.Helper()
	log := relaytesting.NewLogger()
	q, err := notify.NewQueue(notify.QueueConfig{})
	require.NoError(t, err)
	console := &relaytesting.Console{}

	if m == nil {
		mat, err := materializer.New(materializer.Config{Logger: log})
		require.NoError(t, err)
		m = mat
	}
	if s == nil {
		snk, err := sink.New(sink.Config{Logger: log, Queue: q, Console: console})
		require.NoError(t, err)
		s = snk
	}

	p, err := New(Config{
		Logger:          log,
		Clock:           clock,
		Source:          src,
		Materializer:    m,
		Queue:           q,
		Sink:            s,
		ShutdownTimeout: timeout,
	})
	require.NoError(t, err)
	return &harness{pipeline: p, console: console, queue: q}
}

func TestRelay_Pipeline_Run_DrainsEverythingOnDisconnect(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{batches: []feed.UpdateBatch{
		batch(t, 1, map[string]string{feed.TableEmpires: `{"entity_id":7,"name":"Sol Empire"}`}),
		chatBatch(t, 2, "Ann", "one"),
		batch(t, 3, map[string]string{feed.TableChats: `{"channel_id":6,"target_id":7,"username":"Bob","text":"two","timestamp":0}`}),
		chatBatch(t, 4, "Cid", "three"),
	}}
	h := newHarness(t, src, nil, nil, nil, 0)

	require.NoError(t, h.pipeline.Run(context.Background()))
	require.Equal(t, []string{"Ann: one", "Bob [Sol Empire]: two", "Cid: three"}, h.console.Lines())
	require.Equal(t, StateTerminated, h.pipeline.Coordinator().State())
	require.Equal(t, ReasonDisconnected, h.pipeline.Coordinator().Reason())
	require.True(t, h.queue.Sealed())
	require.Equal(t, 0, h.queue.Len())
}

func TestRelay_Pipeline_Run_ReturnsSourceFaultAfterDrain(t *testing.T) {
	t.Parallel()

	fault := errors.New("db error: connection lost")
	src := &scriptedSource{batches: []feed.UpdateBatch{chatBatch(t, 1, "Ann", "last words")}, err: fault}
	h := newHarness(t, src, nil, nil, nil, 0)

	require.ErrorIs(t, h.pipeline.Run(context.Background()), fault)
	require.Equal(t, []string{"Ann: last words"}, h.console.Lines())
	require.Equal(t, StateTerminated, h.pipeline.Coordinator().State())
}

func TestRelay_Pipeline_Run_CancellationIsClean(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{batches: []feed.UpdateBatch{chatBatch(t, 1, "Ann", "hi")}, block: true}
	h := newHarness(t, src, nil, nil, nil, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.pipeline.Run(ctx) }()

	require.Eventually(t, func() bool { return len(h.console.Lines()) == 1 }, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, StateRunning, h.pipeline.Coordinator().State())
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}
	require.Equal(t, ReasonCancelled, h.pipeline.Coordinator().Reason())
	require.Equal(t, StateTerminated, h.pipeline.Coordinator().State())
}

// gatedDeliverer holds every delivery until gate is closed.
type gatedDeliverer struct {
	gate      chan struct{}
	delivered atomic.Int32
}

func (d *gatedDeliverer) Name() string { return "gated" }

func (d *gatedDeliverer) Deliver(ctx context.Context, n notify.Notification) error {
	<-d.gate
	d.delivered.Add(1)
	return nil
}

func TestRelay_Pipeline_Run_CancelDrainsQueuedNotifications(t *testing.T) {
	t.Parallel()

	const total = 50
	var batches []feed.UpdateBatch
	for i := 1; i <= total; i++ {
		batches = append(batches, chatBatch(t, uint64(i), "Ann", fmt.Sprintf("msg %d", i)))
	}
	src := &scriptedSource{batches: batches, block: true}

	log := relaytesting.NewLogger()
	q, err := notify.NewQueue(notify.QueueConfig{})
	require.NoError(t, err)
	console := &relaytesting.Console{}
	deliverer := &gatedDeliverer{gate: make(chan struct{})}
	snk, err := sink.New(sink.Config{Logger: log, Queue: q, Console: console, Deliverer: deliverer})
	require.NoError(t, err)
	mat, err := materializer.New(materializer.Config{Logger: log})
	require.NoError(t, err)
	p, err := New(Config{Logger: log, Source: src, Materializer: mat, Queue: q, Sink: snk})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	// The sink holds the first notification in Deliver while the rest queue up.
	require.Eventually(t, func() bool { return q.Len() == total-1 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		t.Fatalf("pipeline returned before the queue drained: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	require.Equal(t, StateDraining, p.Coordinator().State())
	close(deliverer.gate)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}

	lines := console.Lines()
	require.Len(t, lines, total)
	require.Equal(t, "Ann: msg 1", lines[0])
	require.Equal(t, fmt.Sprintf("Ann: msg %d", total), lines[total-1])
	require.Equal(t, int32(total), deliverer.delivered.Load())
	require.Equal(t, ReasonCancelled, p.Coordinator().Reason())
	require.Equal(t, StateTerminated, p.Coordinator().State())
	require.True(t, q.Sealed())
	require.Equal(t, 0, q.Len())
}

func TestRelay_Pipeline_Run_MaterializerPanicDropsOnlyThatTick(t *testing.T) {
	t.Parallel()

	m := funcMaterializer(func(b feed.UpdateBatch) []notify.Notification {
		if b.Tick == 1 {
			panic("corrupt cache")
		}
		return []notify.Notification{notify.Chat("tick", "ok")}
	})
	src := &scriptedSource{batches: []feed.UpdateBatch{{Tick: 1}, {Tick: 2}}}
	h := newHarness(t, src, m, nil, nil, 0)

	require.NoError(t, h.pipeline.Run(context.Background()))
	require.Equal(t, []string{"tick: ok"}, h.console.Lines())
}

func TestRelay_Pipeline_Run_DrainTimeout(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	src := &scriptedSource{block: true}
	h := newHarness(t, src, nil, blockingSink{}, clock, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.pipeline.Run(ctx) }()
	cancel()

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(10 * time.Second)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrDrainTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not time out")
	}
	require.Equal(t, StateDraining, h.pipeline.Coordinator().State())
}

func TestRelay_Pipeline_New_Validate(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Logger: relaytesting.NewLogger()})
	require.Error(t, err)
}
