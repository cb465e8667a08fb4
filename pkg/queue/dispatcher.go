package queue

import (
	"sync"
)

// EventKind identifies what changed
type EventKind int

const (
	TaskAdded EventKind = iota
	TaskUpdated
	TaskRemoved
	LogLine
	LogCleared
)

func (k EventKind) String() string {
	switch k {
	case TaskAdded:
		return "task_added"
	case TaskUpdated:
		return "task_updated"
	case TaskRemoved:
		return "task_removed"
	case LogLine:
		return "log_line"
	case LogCleared:
		return "log_cleared"
	default:
		return "unknown"
	}
}

// Event is delivered to the Listener. Task is a snapshot taken when the
// event was raised; Line is set for LogLine.
type Event struct {
	Kind EventKind
	Task Task
	Line string
}

// Listener observes queue events. It runs on a single goroutine, one event
// at a time, in the order events were raised.
type Listener func(Event)

// dispatcher hands events to a listener without ever blocking producers.
// The buffer is unbounded; a slow listener delays delivery, not the queue.
type dispatcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []Event
	closed  bool

	listener Listener
	done     chan struct{}
}

func newDispatcher(listener Listener) *dispatcher {
	d := &dispatcher{
		listener: listener,
		done:     make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.loop()
	return d
}

func (d *dispatcher) push(e Event) {
	if d.listener == nil {
		return
	}
	d.mu.Lock()
	if !d.closed {
		d.pending = append(d.pending, e)
		d.cond.Signal()
	}
	d.mu.Unlock()
}

func (d *dispatcher) loop() {
	defer close(d.done)

	for {
		d.mu.Lock()
		for len(d.pending) == 0 && !d.closed {
			d.cond.Wait()
		}
		batch := d.pending
		d.pending = nil
		closed := d.closed
		d.mu.Unlock()

		for _, e := range batch {
			if d.listener != nil {
				d.listener(e)
			}
		}

		if closed && len(batch) == 0 {
			return
		}
	}
}

// close delivers what is buffered, then stops the consumer
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.cond.Signal()
	d.mu.Unlock()
	<-d.done
}
