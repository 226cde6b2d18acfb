package store

import (
	"context"
	"time"

	"btreekv/pkg/listener"
)

const checkpointTimeout = time.Minute

// Checkpointer runs Store.Checkpoint in the background, on a timer and on demand.
// Requests that arrive while one is pending are coalesced.
type Checkpointer struct {
	*listener.Listener[time.Time]

	store    *Store
	interval time.Duration
	in       chan time.Time

	cancel func()
	done   chan struct{}
}

func NewCheckpointer(s *Store, interval time.Duration) *Checkpointer {
	c := &Checkpointer{
		store:    s,
		interval: interval,
		in:       make(chan time.Time, 1),
		cancel:   func() {},
	}
	c.Listener = listener.New(c.in, c.checkpoint).OnError(func(err error) {
		s.logger.Error("background checkpoint failed", "error", err)
	})
	return c
}

func (c *Checkpointer) Start(ctx context.Context) {
	c.Listener.Start(ctx)
	if c.interval <= 0 {
		return
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				c.Trigger(now)
			}
		}
	}()
}

// Trigger asks for a checkpoint without waiting for it.
func (c *Checkpointer) Trigger(at time.Time) {
	select {
	case c.in <- at:
	default:
	}
}

func (c *Checkpointer) Stop() {
	c.cancel()
	if c.done != nil {
		<-c.done
	}
	c.Listener.Stop()
}

func (c *Checkpointer) checkpoint(requested time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
	defer cancel()

	if err := c.store.Checkpoint(ctx); err != nil {
		return err
	}
	c.store.logger.Debug("background checkpoint", "waited", time.Since(requested))
	return nil
}
