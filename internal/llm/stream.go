package llm

import (
	"context"
	"io"
	"sync"
)

// pipe runs a producer goroutine and hands its items to a single consumer.
// The producer's return value becomes the consumer's final error; a nil
// return ends the stream with io.EOF.
type pipe[T any] struct {
	items     chan T
	err       error
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func startPipe[T any](ctx context.Context, buffer int, run func(ctx context.Context, emit func(T) error) error) *pipe[T] {
	ctx, cancel := context.WithCancel(ctx)
	p := &pipe[T]{
		items:  make(chan T, buffer),
		cancel: cancel,
	}
	emit := func(item T) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case p.items <- item:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	go func() {
		defer close(p.items)
		p.err = run(ctx, emit)
	}()
	return p
}

func (p *pipe[T]) recv() (T, error) {
	item, ok := <-p.items
	if ok {
		return item, nil
	}
	var zero T
	if p.err != nil {
		return zero, p.err
	}
	return zero, io.EOF
}

// close cancels the producer and waits for it to finish.
func (p *pipe[T]) close() {
	p.closeOnce.Do(func() {
		p.cancel()
		for range p.items {
		}
	})
}

// deltaStream adapts a producer function to the Stream interface. Transports
// use it to push parsed deltas from their read loop.
type deltaStream struct {
	p *pipe[Delta]
}

func newDeltaStream(ctx context.Context, run func(ctx context.Context, emit func(Delta) error) error) Stream {
	return &deltaStream{p: startPipe(ctx, 16, run)}
}

func (s *deltaStream) Recv() (Delta, error) {
	return s.p.recv()
}

func (s *deltaStream) Close() error {
	s.p.close()
	return nil
}
