package mux

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

var ErrClosed = errors.New("mux is closed")

type logger interface {
	Info(format string, args ...interface{})
}

type klogLogger struct{}

func (klogLogger) Info(format string, args ...interface{}) {
	klog.InfofDepth(1, format, args...)
}

// AwaitReply carries a request to a goroutine that owns some state and
// brings the answer back to the caller.
type AwaitReply[T, U any] struct {
	value T
	reply chan U
}

// NewAwaitReply makes the reply channel buffered so the owner never blocks
// on a caller that gave up.
func NewAwaitReply[T, U any](value T) AwaitReply[T, U] {
	return AwaitReply[T, U]{
		value: value,
		reply: make(chan U, 1),
	}
}

func (ar AwaitReply[T, U]) Value() T {
	return ar.value
}

func (ar AwaitReply[T, U]) Reply(value U) {
	ar.reply <- value
	close(ar.reply)
}

func (ar AwaitReply[T, U]) Await() U {
	return <-ar.reply
}

// AwaitDone is an AwaitReply without an answer.
type AwaitDone[T any] struct {
	AwaitReply[T, struct{}]
}

func NewAwaitDone[T any](value T) AwaitDone[T] {
	return AwaitDone[T]{NewAwaitReply[T, struct{}](value)}
}

func (ad AwaitDone[T]) Done() {
	ad.Reply(struct{}{})
}

func (ad AwaitDone[T]) Wait() {
	ad.Await()
}

type Sink[T any] interface {
	Submit(T) error
	Close()
}

type funcSink[T any] struct {
	submit func(T) error
	close  func()
}

func (f *funcSink[T]) Submit(v T) error {
	return f.submit(v)
}

func (f *funcSink[T]) Close() {
	if f.close != nil {
		f.close()
	}
}

// SinkFunc adapts a pair of functions to a Sink. onClose may be nil.
func SinkFunc[T any](submit func(T) error, onClose func()) Sink[T] {
	return &funcSink[T]{submit: submit, close: onClose}
}

type CancelFunc func()

func ChainCancelFunc(cf1, cf2 func(), cfs ...func()) CancelFunc {
	return func() {
		cf1()
		cf2()
		for _, cf := range cfs {
			if cf != nil {
				cf()
			}
		}
	}
}

type Option[T any] func(*Mux[T])

// Buffered lets Submit return before the value is delivered while fewer than
// size values are pending.
func Buffered[T any](size int) Option[T] {
	return func(m *Mux[T]) {
		m.inBufSize = size
	}
}

func WithSubmitTimeout[T any](timeout time.Duration) Option[T] {
	return func(m *Mux[T]) {
		m.submitTimeout = timeout
	}
}

// Mux fans every submitted value out to its subscribers. Subscribers see
// values in submission order and are fed in the order they subscribed, all
// from one goroutine.
type Mux[T any] struct {
	input      chan T
	register   chan AwaitDone[Sink[T]]
	unregister chan AwaitDone[Sink[T]]
	done       chan struct{}
	closeOnce  sync.Once

	submitTimeout time.Duration
	inBufSize     int
	logger        logger
}

func Make[T any](opts ...Option[T]) *Mux[T] {
	m := &Mux[T]{
		submitTimeout: 1 * time.Second,
		logger:        klogLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	m.input = make(chan T, m.inBufSize)
	m.register = make(chan AwaitDone[Sink[T]])
	m.unregister = make(chan AwaitDone[Sink[T]])
	m.done = make(chan struct{})

	go m.run()

	return m
}

func (m *Mux[T]) run() {
	var outputs []Sink[T]
	defer func() {
		for _, sink := range outputs {
			sink.Close()
		}
	}()

	for {
		select {
		case <-m.done:
			return
		case v := <-m.input:
			for _, out := range outputs {
				if err := out.Submit(v); err != nil {
					m.error("error submitting value %v: %v", v, err)
				}
			}
		case ar := <-m.register:
			outputs = append(outputs, ar.Value())
			ar.Done()
		case ar := <-m.unregister:
			for i, sink := range outputs {
				if sink == ar.Value() {
					outputs = append(outputs[:i], outputs[i+1:]...)
					sink.Close()
					break
				}
			}
			ar.Done()
		}
	}
}

func (m *Mux[T]) error(format string, args ...any) error {
	if m.logger != nil {
		m.logger.Info(format, args...)
	}
	return fmt.Errorf(format, args...)
}

// Close stops the fan-out and closes every subscribed sink. Values still
// pending are dropped. Later calls to Submit fail with ErrClosed, Subscribe
// closes the given sink right away and cancel functions do nothing.
func (m *Mux[T]) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
}

func (m *Mux[T]) Submit(v T) error {
	timer := time.NewTimer(m.submitTimeout)
	defer timer.Stop()
	select {
	case m.input <- v:
		return nil
	case <-m.done:
		return ErrClosed
	case <-timer.C:
		return m.error("timed out submitting value %v after %s", v, m.submitTimeout)
	}
}

func (m *Mux[T]) Subscribe(sink Sink[T]) CancelFunc {
	ar := NewAwaitDone(sink)
	select {
	case m.register <- ar:
		ar.Wait()
	case <-m.done:
		sink.Close()
		return func() {}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ar := NewAwaitDone(sink)
			select {
			case m.unregister <- ar:
				ar.Wait()
			case <-m.done:
			}
		})
	}
}
