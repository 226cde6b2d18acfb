// Package listener runs a handler over the items of a channel on a background
// goroutine, one at a time or in batches of whatever is already queued.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var errListenerStopped = errors.New("listener stopped")

type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener consumes a channel on its own goroutine. Items still queued when the
// listener is stopped are handled before Stop returns.
type Listener[T any] struct {
	handle      func(batch []T) error
	maxBatch    int
	stopHandler func()
	errHandler  func(error)

	in     <-chan T
	batch  []T
	wg     sync.WaitGroup
	cancel func()
}

var _ Job = (*Listener[int])(nil)

// New handles items one by one.
func New[T any](in <-chan T, handler func(T) error, stopHandler ...func()) *Listener[T] {
	return NewBatch(in, 1, func(batch []T) error {
		return handler(batch[0])
	}, stopHandler...)
}

// NewBatch hands the handler the first item that arrives together with up to
// maxBatch-1 items already waiting behind it. Order is preserved.
func NewBatch[T any](in <-chan T, maxBatch int, handler func([]T) error, stopHandler ...func()) *Listener[T] {
	if maxBatch <= 0 {
		maxBatch = 1
	}
	stop := func() {}
	if len(stopHandler) > 0 {
		stop = stopHandler[0]
	}

	return &Listener[T]{
		in:          in,
		handle:      handler,
		maxBatch:    maxBatch,
		batch:       make([]T, 0, maxBatch),
		cancel:      func() {},
		stopHandler: stop,
		errHandler: func(err error) {
			panic("channel listener error: " + err.Error())
		},
	}
}

// OnError replaces the default handler failure behaviour, which is to panic.
func (l *Listener[T]) OnError(fn func(error)) *Listener[T] {
	l.errHandler = fn
	return l
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			err := l.run(ctx)
			switch {
			case errors.Is(err, errListenerStopped):
				l.drain()
				return
			case err != nil:
				l.errHandler(err)
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return errListenerStopped
		}
		closed := l.collect(inp)
		if err := l.flush(); err != nil {
			return err
		}
		if closed {
			return errListenerStopped
		}
	case <-ctx.Done():
		return errListenerStopped
	}
	return nil
}

// collect appends first and the items queued behind it to the batch. It
// reports whether the channel turned out to be closed.
func (l *Listener[T]) collect(first T) bool {
	l.batch = append(l.batch[:0], first)
	for len(l.batch) < l.maxBatch {
		select {
		case inp, ok := <-l.in:
			if !ok {
				return true
			}
			l.batch = append(l.batch, inp)
		default:
			return false
		}
	}
	return false
}

func (l *Listener[T]) flush() error {
	if len(l.batch) == 0 {
		return nil
	}
	err := l.handle(l.batch)
	l.batch = l.batch[:0]
	if err != nil {
		return fmt.Errorf("failed to handle input: %w", err)
	}
	return nil
}

// drain handles what is left in the channel without blocking.
func (l *Listener[T]) drain() {
	for {
		select {
		case inp, ok := <-l.in:
			if !ok {
				return
			}
			closed := l.collect(inp)
			if err := l.flush(); err != nil {
				slog.Error("listener drain", "error", err)
			}
			if closed {
				return
			}
		default:
			return
		}
	}
}

func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.stopHandler()
}
