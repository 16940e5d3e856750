// Package muxtest has helpers for tests that read from a mux or a bus.
package muxtest

import "github.com/ydb-platform/camera-manager/internal/mux"

type chanSink[T any] struct {
	ch chan<- T
}

func (c *chanSink[T]) Submit(v T) error {
	c.ch <- v
	return nil
}

func (c *chanSink[T]) Close() {
	close(c.ch)
}

// SinkFromChan sends every value to ch and closes ch with the sink. A full
// ch blocks the mux.
func SinkFromChan[T any](ch chan<- T) mux.Sink[T] {
	return &chanSink[T]{ch}
}
