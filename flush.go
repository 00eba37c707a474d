package tlspump

import (
	"context"
	"io"
)

// flusher orders transport writes.
// Batches are written in the order they were detached from the outbound
// region, even when read and write operations flush concurrently.
// enqueue must be called with Stream.mu held.
type flusher struct {
	tail chan struct{}
}

// flushTicket is a position in the write order. A batch may be written once
// prev is closed, and done must be closed after it has been written or dropped.
type flushTicket struct {
	prev chan struct{}
	done chan struct{}
}

func (f *flusher) init() {
	f.tail = make(chan struct{})
	close(f.tail)
}

func (f *flusher) enqueue() flushTicket {
	t := flushTicket{
		prev: f.tail,
		done: make(chan struct{}),
	}
	f.tail = t.done
	return t
}

// batch is outbound data detached from a step.
type batch struct {
	data   []byte
	ticket flushTicket
}

// flush writes b to w after all earlier batches. When ctx is done before
// its turn, the batch is dropped and the order is handed on once the earlier
// batches finish.
func flush(ctx context.Context, w io.Writer, b batch) (int, error) {
	select {
	case <-b.ticket.prev:
	default:
		select {
		case <-b.ticket.prev:
		case <-ctx.Done():
			go func() {
				<-b.ticket.prev
				close(b.ticket.done)
			}()
			return 0, ctx.Err()
		}
	}
	defer close(b.ticket.done)
	n, err := w.Write(b.data)
	if err == nil && n < len(b.data) {
		err = io.ErrShortWrite
	}
	return n, err
}
