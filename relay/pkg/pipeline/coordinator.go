package pipeline

import (
	"log/slog"
	"sync"

	"github.com/malbeclabs/relay/relay/pkg/metrics"
	"github.com/malbeclabs/relay/relay/pkg/notify"
)

type State int32

const (
	StateRunning State = iota
	StateDraining
	StateTerminated
)

var states = []State{StateRunning, StateDraining, StateTerminated}

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Drain reasons.
const (
	ReasonCancelled    = "cancelled"
	ReasonDisconnected = "disconnected"
)

// Coordinator tracks Running -> Draining -> Terminated and owns injection of
// the Disconnect sentinel. Transitions only move forward.
type Coordinator struct {
	log   *slog.Logger
	queue *notify.Queue

	mu       sync.Mutex
	state    State
	reason   string
	injected bool
}

func NewCoordinator(log *slog.Logger, queue *notify.Queue) *Coordinator {
	c := &Coordinator{log: log, queue: queue}
	c.publish()
	return c
}

// BeginDrain moves Running to Draining. Only the first call has effect and
// its reason is kept; it reports whether this call made the transition.
func (c *Coordinator) BeginDrain(reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning {
		return false
	}
	c.state = StateDraining
	c.reason = reason
	c.publishLocked()
	c.log.Info("pipeline: draining", "reason", reason)
	return true
}

// InjectSentinel enqueues the Disconnect sentinel. It must be called only
// after the materializer has stopped producing. Calls after the first are
// ignored.
func (c *Coordinator) InjectSentinel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.injected {
		return false
	}
	c.injected = true
	if c.state == StateRunning {
		c.state = StateDraining
		c.reason = ReasonDisconnected
		c.publishLocked()
	}
	c.queue.PushDisconnect()
	c.log.Debug("pipeline: sentinel injected", "pending", c.queue.Len())
	return true
}

func (c *Coordinator) Terminate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateTerminated {
		return
	}
	c.state = StateTerminated
	c.publishLocked()
	c.log.Info("pipeline: terminated", "reason", c.reason)
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reason is the drain reason, empty while running.
func (c *Coordinator) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *Coordinator) publish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishLocked()
}

func (c *Coordinator) publishLocked() {
	for _, s := range states {
		v := 0.0
		if s == c.state {
			v = 1
		}
		metrics.PipelineState.WithLabelValues(s.String()).Set(v)
	}
}
