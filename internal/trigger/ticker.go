// Package trigger provides the local event sources of the session loop: the periodic tick that
// re-forwards the relay payload and the stop requests coming from the operator.
package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/srg/blip/internal/groutine"
)

// Ticker delivers ticks at a fixed interval. Ticks the consumer has not picked up yet are
// coalesced into the most recent one.
type Ticker struct {
	ring   *RingChannel[time.Time]
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewTicker starts a ticker. An interval <= 0 yields a ticker whose C is nil and never fires.
func NewTicker(ctx context.Context, clk clock.Clock, interval time.Duration, logger *logrus.Logger) *Ticker {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logrus.New()
	}
	if interval <= 0 {
		return &Ticker{}
	}

	ctx, cancel := context.WithCancel(ctx)
	t := &Ticker{
		ring:   NewRingChannel[time.Time](1),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	// Created before returning so the first tick is due exactly one interval from now
	tk := clk.Ticker(interval)
	logger.WithField("interval", interval).Debug("Tick source started")

	groutine.Go(ctx, "tick-source", func(ctx context.Context) {
		defer close(t.done)
		defer tk.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-tk.C:
				if t.ring.Send(now) {
					logger.Debug("Loop busy, tick coalesced")
				}
			}
		}
	})
	return t
}

// C returns the tick channel, nil for a disabled ticker
func (t *Ticker) C() <-chan time.Time {
	if t.ring == nil {
		return nil
	}
	return t.ring.C()
}

// Coalesced returns how many ticks were merged into a later one
func (t *Ticker) Coalesced() int64 {
	if t.ring == nil {
		return 0
	}
	return t.ring.Overwritten()
}

// Stop halts the ticker and waits for its goroutine. Safe to call more than once.
func (t *Ticker) Stop() {
	if t.ring == nil {
		return
	}
	t.once.Do(func() {
		t.cancel()
		<-t.done
	})
}
