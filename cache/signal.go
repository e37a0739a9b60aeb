package cache

import (
	"context"
)

// signal is pulsed at most once; waiters see the pulse by reading the
// closed channel. pulse and isPulsed must be called with the cache mutex
// held; wait must not be.
type signal struct {
	ch     chan struct{}
	pulsed bool
}

func makeSignal() *signal {
	return &signal{
		ch: make(chan struct{}),
	}
}

func (s *signal) pulse() {
	if !s.pulsed {
		s.pulsed = true
		close(s.ch)
	}
}

func (s *signal) isPulsed() bool {
	return s.pulsed
}

func (s *signal) wait(ctx context.Context) error {
	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
