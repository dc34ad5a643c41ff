package events

import (
	"context"
	"sync"
)

// RawQueue carries Collector → Engine events. It is a bounded channel: on
// full, Push blocks, producing backpressure on the Collector's tick rate
// rather than dropping observations (spec §5).
type RawQueue struct {
	ch chan Event
}

// NewRawQueue creates a raw-event queue with the given capacity.
func NewRawQueue(capacity int) *RawQueue {
	return &RawQueue{ch: make(chan Event, capacity)}
}

// Push enqueues an event, blocking if the queue is full or until ctx is
// canceled.
func (q *RawQueue) Push(ctx context.Context, e Event) error {
	select {
	case q.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop dequeues the next event, blocking until one is available or ctx is
// canceled.
func (q *RawQueue) Pop(ctx context.Context) (Event, error) {
	select {
	case e := <-q.ch:
		return e, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Len reports the number of events currently queued (for metrics/tests).
func (q *RawQueue) Len() int { return len(q.ch) }

// ProcessedQueue carries Engine → UI events. Same blocking-on-full
// semantics as RawQueue: a full processed queue backpressures the Engine,
// which is intentional — the UI is required to drain continuously.
type ProcessedQueue struct {
	ch chan Event
}

// NewProcessedQueue creates a processed-event queue with the given capacity.
func NewProcessedQueue(capacity int) *ProcessedQueue {
	return &ProcessedQueue{ch: make(chan Event, capacity)}
}

func (q *ProcessedQueue) Push(ctx context.Context, e Event) error {
	select {
	case q.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop drains with a finite timeout via ctx so the UI's own event loop stays
// live (spec §5).
func (q *ProcessedQueue) Pop(ctx context.Context) (Event, error) {
	select {
	case e := <-q.ch:
		return e, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (q *ProcessedQueue) Len() int { return len(q.ch) }

// ControlKind is the command set accepted on the control queue (spec §6).
type ControlKind string

const (
	ControlStart                  ControlKind = "start"
	ControlStop                   ControlKind = "stop"
	ControlCaptureCurrent         ControlKind = "capture_current"
	ControlSetPollSeconds         ControlKind = "set_poll_seconds"
	ControlSetIntensiveMonitoring ControlKind = "set_intensive_monitoring"
	ControlSetHTTPMonitorMode     ControlKind = "set_http_monitor_mode"
)

// ControlCommand is one UI/Engine → Collector command.
type ControlCommand struct {
	Kind        ControlKind
	PollSeconds float64
	Bool        bool
	Reason      string // populated on Stop issued by SecurityPolicy
}

// controlPriority orders which pending command Pop returns first when more
// than one kind is coalesced (Stop always wins).
var controlPriority = []ControlKind{
	ControlStop,
	ControlCaptureCurrent,
	ControlSetPollSeconds,
	ControlSetIntensiveMonitoring,
	ControlSetHTTPMonitorMode,
	ControlStart,
}

// ControlQueue is the small, coalescing UI/Engine → Collector queue (spec
// §5): repeated set_poll_seconds commands keep only the latest; stop
// subsumes any other pending command.
type ControlQueue struct {
	mu      sync.Mutex
	pending map[ControlKind]ControlCommand
	notify  chan struct{}
}

// NewControlQueue creates an empty control queue.
func NewControlQueue() *ControlQueue {
	return &ControlQueue{
		pending: make(map[ControlKind]ControlCommand),
		notify:  make(chan struct{}, 1),
	}
}

// Push enqueues cmd, coalescing with any pending command of the same kind,
// or discarding everything else if cmd is Stop.
func (q *ControlQueue) Push(cmd ControlCommand) {
	q.mu.Lock()
	if cmd.Kind == ControlStop {
		q.pending = map[ControlKind]ControlCommand{ControlStop: cmd}
	} else if _, stopping := q.pending[ControlStop]; !stopping {
		q.pending[cmd.Kind] = cmd
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop blocks until a command is pending or ctx is canceled, then returns
// the highest-priority one (Stop first).
func (q *ControlQueue) Pop(ctx context.Context) (ControlCommand, bool) {
	for {
		if cmd, ok := q.take(); ok {
			return cmd, true
		}
		select {
		case <-q.notify:
			continue
		case <-ctx.Done():
			return ControlCommand{}, false
		}
	}
}

func (q *ControlQueue) take() (ControlCommand, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, k := range controlPriority {
		if cmd, ok := q.pending[k]; ok {
			delete(q.pending, k)
			return cmd, true
		}
	}
	return ControlCommand{}, false
}
