package main

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter redraws one status line with the current phase and a countdown.
//
// Usage:
//
//	p := NewCountdownProgressPrinter(out, clk, "Relay running", "Advertising", lease.Duration(), "Draining")
//	p.Start()
//	defer p.Stop()
//
// A ProgressPrinter is single-use: Start at most once, Stop any number of times.
// A zero duration shows the phase without a countdown.
type ProgressPrinter struct {
	out        io.Writer
	clock      clock.Clock
	prefix     string
	phase      atomic.Value // string
	stopPhases map[string]struct{}
	duration   time.Duration

	mu       sync.Mutex // serializes writes to out
	start    time.Time
	started  atomic.Bool
	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

// NewCountdownProgressPrinter creates a printer counting down from duration.
// Setting one of stopPhases through Callback stops it.
func NewCountdownProgressPrinter(out io.Writer, clk clock.Clock, prefix, phase string, duration time.Duration, stopPhases ...string) *ProgressPrinter {
	if clk == nil {
		clk = clock.New()
	}
	stopSet := make(map[string]struct{}, len(stopPhases))
	for _, p := range stopPhases {
		stopSet[p] = struct{}{}
	}
	p := &ProgressPrinter{
		out:        out,
		clock:      clk,
		prefix:     prefix,
		stopPhases: stopSet,
		duration:   duration,
		stopChan:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	p.phase.Store(phase)
	return p
}

// Start draws the first line and begins updating it in the background.
// Panics if called more than once.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}
	p.start = p.clock.Now()
	ticker := p.clock.Ticker(progressUpdateInterval)
	p.render()

	go func() {
		defer close(p.done)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				if _, stop := p.stopPhases[p.phase.Load().(string)]; stop {
					return
				}
				p.render()
			}
		}
	}()
}

// remainingSeconds rounds to the nearest second and never goes below zero
func (p *ProgressPrinter) remainingSeconds() int {
	remaining := p.duration - p.clock.Since(p.start)
	if remaining <= 0 {
		return 0
	}
	return int(remaining.Seconds() + 0.5)
}

func (p *ProgressPrinter) render() {
	phase := p.phase.Load().(string)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.duration > 0 {
		_, _ = fmt.Fprintf(p.out, "\r%s (%s %ds)   ", p.prefix, phase, p.remainingSeconds())
	} else {
		_, _ = fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, phase)
	}
}

// Callback returns a function that changes the phase; a stop phase stops the printer.
// Safe to call from multiple goroutines.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if _, stop := p.stopPhases[phase]; stop {
			p.Stop()
		}
	}
}

// Stop ends the updates and clears the line. Safe to call more than once.
func (p *ProgressPrinter) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
		if p.started.Load() {
			<-p.done
		}
		p.mu.Lock()
		_, _ = fmt.Fprint(p.out, clearLineSequence)
		p.mu.Unlock()
	})
}
