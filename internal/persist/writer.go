package persist

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/medrill/pulsegate/internal/sim"
)

const (
	// defaultQueueSize bounds the in-flight write queue. When the store falls
	// behind, the oldest queued write is dropped in favor of the newest: a
	// fresher state upsert supersedes a stale one anyway, and losing an event
	// row is preferable to stalling the session.
	defaultQueueSize = 64

	// writeTimeout caps a single store call so one wedged write cannot block
	// the queue forever.
	writeTimeout = 5 * time.Second
)

// Writer decouples persistence from the session's state lock. Callers enqueue
// under the lock; a single background goroutine performs the blocking store
// calls. Write failures are logged and never propagated.
type Writer struct {
	store Store

	mu     sync.Mutex
	queue  chan job
	closed bool

	done chan struct{}
}

// job carries exactly one pending write: a state upsert when state is
// non-nil, an event append when event is non-nil.
type job struct {
	simID string
	state *sim.SimState
	event *sim.Event
}

// NewWriter starts the background writer over the given store.
func NewWriter(store Store) *Writer {
	w := &Writer{
		store: store,
		queue: make(chan job, defaultQueueSize),
		done:  make(chan struct{}),
	}
	go w.run()
	return w
}

// QueueState enqueues an upsert of the session's current state. The state is
// deep-copied before QueueState returns, so it is safe to call while holding
// the session lock.
func (w *Writer) QueueState(simID string, state *sim.SimState) {
	w.enqueue(job{simID: simID, state: state.Clone()})
}

// QueueEvent enqueues an append to the session's event log. The payload map
// must not be mutated after the call.
func (w *Writer) QueueEvent(simID string, event sim.Event) {
	w.enqueue(job{simID: simID, event: &event})
}

func (w *Writer) enqueue(j job) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	for {
		select {
		case w.queue <- j:
			return
		default:
		}
		// Queue full: make room by dropping the oldest write.
		select {
		case old := <-w.queue:
			slog.Warn("persist: queue full, dropping oldest write",
				"session_id", old.simID, "kind", old.kind())
		default:
		}
	}
}

func (j job) kind() string {
	if j.state != nil {
		return "state"
	}
	return "event"
}

func (w *Writer) run() {
	defer close(w.done)
	for j := range w.queue {
		w.write(j)
	}
}

func (w *Writer) write(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var err error
	switch {
	case j.state != nil:
		err = w.store.PersistSimState(ctx, j.simID, j.state)
	case j.event != nil:
		err = w.store.LogSimEvent(ctx, j.simID, *j.event)
	}
	if err != nil {
		slog.Warn("persist: write failed", "session_id", j.simID, "kind", j.kind(), "err", err)
	}
}

// Close stops accepting new writes, drains the queue, and waits for the
// background goroutine to finish. Safe to call more than once.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()
	<-w.done
}
