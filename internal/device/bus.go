package device

import (
	"errors"
	"sync"

	"k8s.io/klog/v2"

	"github.com/ydb-platform/camera-manager/internal/mux"
)

var (
	ErrWatchExists = errors.New("bus already has a watch")
	ErrBusClosed   = errors.New("bus is closed")
)

// Bus is the message stream of a backend. Messages posted while nobody
// watches are queued and handed to the watch, in posting order, once it is
// installed. A bus accepts a single watch at a time.
type Bus struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Message
	sink   mux.Sink[Message]
	busy   bool
	closed bool
	done   chan struct{}
}

func NewBus() *Bus {
	b := &Bus{
		done: make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)

	go b.dispatch()

	return b
}

// Post queues msg for delivery. It returns false if the bus is closed.
func (b *Bus) Post(msg Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	b.queue = append(b.queue, msg)
	b.cond.Broadcast()
	return true
}

// AddWatch installs sink as the receiver of every message on the bus. The
// returned CancelFunc waits for an in-flight delivery to sink to finish,
// detaches it and closes it.
func (b *Bus) AddWatch(sink mux.Sink[Message]) (mux.CancelFunc, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if b.sink != nil {
		return nil, ErrWatchExists
	}
	b.sink = sink
	b.cond.Broadcast()

	var once sync.Once
	return func() {
		once.Do(func() { b.removeWatch(sink) })
	}, nil
}

func (b *Bus) removeWatch(sink mux.Sink[Message]) {
	b.mu.Lock()
	for b.busy && b.sink == sink {
		b.cond.Wait()
	}
	if b.sink == sink {
		b.sink = nil
	}
	b.mu.Unlock()

	sink.Close()
}

func (b *Bus) HasWatch() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sink != nil
}

// Pending returns the number of queued, undelivered messages.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Close drops queued messages and stops delivery. It waits for the
// dispatcher to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.queue = nil
	b.cond.Broadcast()
	b.mu.Unlock()

	<-b.done
}

func (b *Bus) dispatch() {
	defer close(b.done)

	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		for !b.closed && (b.sink == nil || len(b.queue) == 0) {
			b.cond.Wait()
		}
		if b.closed {
			return
		}

		msg := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		sink := b.sink
		b.busy = true
		b.mu.Unlock()

		if err := sink.Submit(msg); err != nil {
			klog.Errorf("bus: failed to deliver %T: %v", msg, err)
		}

		b.mu.Lock()
		b.busy = false
		b.cond.Broadcast()
	}
}
