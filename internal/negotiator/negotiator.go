// Package negotiator turns the host's raw control-plane requests into the ordered sequence of
// attachment events the session loop reacts to.
package negotiator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/blip/internal/bledb"
	"github.com/srg/blip/internal/groutine"
	"github.com/srg/blip/internal/host"
)

// ErrAcceptFailed wraps a failure to materialize an attachment stream
var ErrAcceptFailed = errors.New("failed to accept attachment")

// Kind is the kind of an attachment event
type Kind int

const (
	// WriteAttached means a central opened the relay characteristic for writing
	WriteAttached Kind = iota
	// NotifyAttached means a central subscribed to relay notifications
	NotifyAttached
	// ControlClosed means the host control channel ended; always the last event
	ControlClosed
)

func (k Kind) String() string {
	switch k {
	case WriteAttached:
		return "write_attached"
	case NotifyAttached:
		return "notify_attached"
	case ControlClosed:
		return "control_closed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Attachment is a materialized stream: Reader for WriteAttached, Writer for NotifyAttached
type Attachment struct {
	Reader host.Reader
	Writer host.Writer
}

// Event is one attachment event
type Event struct {
	Kind   Kind
	MTU    int
	Remote string

	req host.Request
}

// Accept materializes the stream of a WriteAttached or NotifyAttached event
func (e Event) Accept() (Attachment, error) {
	switch e.Kind {
	case WriteAttached:
		if e.req.AcceptReader == nil {
			return Attachment{}, fmt.Errorf("%w: no reader for write request", ErrAcceptFailed)
		}
		r, err := e.req.AcceptReader()
		if err != nil {
			return Attachment{}, fmt.Errorf("%w: %w", ErrAcceptFailed, err)
		}
		return Attachment{Reader: r}, nil
	case NotifyAttached:
		if e.req.AcceptWriter == nil {
			return Attachment{}, fmt.Errorf("%w: no writer for notify request", ErrAcceptFailed)
		}
		w, err := e.req.AcceptWriter()
		if err != nil {
			return Attachment{}, fmt.Errorf("%w: %w", ErrAcceptFailed, err)
		}
		return Attachment{Writer: w}, nil
	default:
		return Attachment{}, fmt.Errorf("%w: %s has nothing to accept", ErrAcceptFailed, e.Kind)
	}
}

// Negotiator forwards relay-characteristic requests as events.
// Events are delivered unbuffered, so none is ever dropped.
type Negotiator struct {
	requests <-chan host.Request
	relay    string
	events   chan Event
	logger   *logrus.Logger

	writeAttached  atomic.Bool
	notifyAttached atomic.Bool

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	finished  chan struct{}
}

// New creates a negotiator listening to the host's requests for the given characteristic
func New(h host.Host, relayUUID string, logger *logrus.Logger) *Negotiator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Negotiator{
		requests: h.Requests(),
		relay:    bledb.NormalizeUUID(relayUUID),
		events:   make(chan Event),
		logger:   logger,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Start begins forwarding. Calling it again has no effect.
func (n *Negotiator) Start(ctx context.Context) {
	n.startOnce.Do(func() {
		groutine.Go(ctx, "negotiator", n.run)
	})
}

// Events returns the event sequence; it is closed after ControlClosed or Close
func (n *Negotiator) Events() <-chan Event {
	return n.events
}

// Attached reports whether a central currently holds an attachment of the given kind
func (n *Negotiator) Attached(kind Kind) bool {
	switch kind {
	case WriteAttached:
		return n.writeAttached.Load()
	case NotifyAttached:
		return n.notifyAttached.Load()
	default:
		return false
	}
}

// Close stops forwarding without emitting further events and waits for the forwarder to exit
func (n *Negotiator) Close() {
	n.closeOnce.Do(func() {
		close(n.done)
	})
	n.startOnce.Do(func() {
		// never started: nothing to wait for
		close(n.events)
		close(n.finished)
	})
	<-n.finished
}

func (n *Negotiator) run(ctx context.Context) {
	defer close(n.finished)
	defer close(n.events)

	for {
		select {
		case <-n.done:
			return
		case <-ctx.Done():
			return
		case req, ok := <-n.requests:
			if !ok {
				n.logger.Debug("Host control channel closed")
				n.emit(ctx, Event{Kind: ControlClosed})
				return
			}
			ev, forward := n.translate(req)
			if !forward {
				continue
			}
			if !n.emit(ctx, ev) {
				return
			}
		}
	}
}

func (n *Negotiator) translate(req host.Request) (Event, bool) {
	if bledb.NormalizeUUID(req.Characteristic) != n.relay {
		n.logger.WithFields(logrus.Fields{
			"characteristic": req.Characteristic,
			"op":             req.Op,
		}).Debug("Ignoring request for another characteristic")
		return Event{}, false
	}

	switch req.Op {
	case host.OpWrite:
		n.writeAttached.Store(true)
		return Event{Kind: WriteAttached, MTU: req.MTU, Remote: req.Remote, req: req}, true
	case host.OpNotify:
		n.notifyAttached.Store(true)
		return Event{Kind: NotifyAttached, MTU: req.MTU, Remote: req.Remote, req: req}, true
	case host.OpDetach:
		switch req.Detached {
		case host.OpWrite:
			n.writeAttached.Store(false)
		case host.OpNotify:
			n.notifyAttached.Store(false)
		}
		n.logger.WithFields(logrus.Fields{
			"kind":   req.Detached,
			"remote": req.Remote,
		}).Debug("Central detached")
		return Event{}, false
	default:
		n.logger.WithField("op", req.Op).Warn("Ignoring unknown control request")
		return Event{}, false
	}
}

func (n *Negotiator) emit(ctx context.Context, ev Event) bool {
	select {
	case n.events <- ev:
		return true
	case <-n.done:
		return false
	case <-ctx.Done():
		return false
	}
}
