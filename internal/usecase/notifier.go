package usecase

import (
	"sync"

	"meetscribe/internal/ports"
)

// notifier delivers observer callbacks in publish order on its own goroutine, so sinks may
// call back into the controller without deadlocking it.
type notifier struct {
	mu      sync.Mutex
	queue   []func(ports.EventSink)
	sinks   map[int]ports.EventSink
	order   []int
	nextID  int
	closed  bool
	wake    chan struct{}
	drained chan struct{}
}

func newNotifier() *notifier {
	n := &notifier{
		sinks:   map[int]ports.EventSink{},
		wake:    make(chan struct{}, 1),
		drained: make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) subscribe(sink ports.EventSink) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	n.sinks[id] = sink
	n.order = append(n.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.sinks, id)
			for i, existing := range n.order {
				if existing == id {
					n.order = append(n.order[:i], n.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (n *notifier) publish(fn func(ports.EventSink)) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, fn)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	defer close(n.drained)
	for range n.wake {
		for {
			n.mu.Lock()
			if len(n.queue) == 0 {
				closed := n.closed
				n.mu.Unlock()
				if closed {
					return
				}
				break
			}
			fn := n.queue[0]
			n.queue[0] = nil
			n.queue = n.queue[1:]
			sinks := make([]ports.EventSink, 0, len(n.order))
			for _, id := range n.order {
				sinks = append(sinks, n.sinks[id])
			}
			n.mu.Unlock()

			for _, sink := range sinks {
				fn(sink)
			}
		}
	}
}

// close delivers what is already queued, then stops the delivery goroutine.
func (n *notifier) close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		<-n.drained
		return
	}
	n.closed = true
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
	<-n.drained
}
