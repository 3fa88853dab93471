// Package relay moves bytes from the central that writes to the relay characteristic to the
// central that subscribed to its notifications.
//
// The engine is owned by a single goroutine (the session loop). Reading happens on a background
// pump per installed reader; the pump hands each result to the loop through ReadReady and waits
// until HandleRead is done with its buffer before reading again.
package relay

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/srg/blip/internal/groutine"
	"github.com/srg/blip/internal/host"
)

// ReadResult is the outcome of one read on the installed reader
type ReadResult struct {
	N   int
	Err error
}

// Options configures an Engine
type Options struct {
	Transform      Transform
	InitialPayload []byte
	JournalSize    uint32
	Clock          clock.Clock
}

// Stats counts relay activity
type Stats struct {
	Reads          int
	BytesIn        int
	Forwards       int
	BytesOut       int
	Ticks          int
	TransformErrs  int
	ReadersDropped int
	WritersDropped int
}

// Engine holds at most one reader, at most one writer and the relay buffer
type Engine struct {
	reader    Slot[*pump]
	writer    Slot[host.Writer]
	buffer    []byte
	transform Transform
	journal   *Journal
	clock     clock.Clock
	stats     Stats
	logger    *logrus.Logger
}

// NewEngine creates an engine with no attachments
func NewEngine(opts Options, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Transform == nil {
		opts.Transform = Decrement{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Engine{
		buffer:    append([]byte(nil), opts.InitialPayload...),
		transform: opts.Transform,
		journal:   NewJournal(opts.JournalSize),
		clock:     opts.Clock,
		logger:    logger,
	}
}

// InstallReader makes r the active reader, closing the one it replaces, and starts reading
func (e *Engine) InstallReader(r host.Reader) {
	mtu := r.MTU()
	if mtu <= 0 {
		mtu = host.DefaultMTU
	}
	p := newPump(r, mtu)
	if old, ok := e.reader.Replace(p); ok {
		e.logger.Debug("Replacing active reader")
		old.stop()
	}
	groutine.Go(context.Background(), "relay-reader", p.run)
}

// InstallWriter makes w the active writer, closing the one it replaces
func (e *Engine) InstallWriter(w host.Writer) {
	if old, ok := e.writer.Replace(w); ok {
		e.logger.Debug("Replacing active writer")
		if err := old.Close(); err != nil {
			e.logger.WithError(err).Debug("Failed to close replaced writer")
		}
	}
}

// HasReader reports whether a reader is installed
func (e *Engine) HasReader() bool { return e.reader.Occupied() }

// HasWriter reports whether a writer is installed
func (e *Engine) HasWriter() bool { return e.writer.Occupied() }

// ReadReady returns the channel the active reader delivers results on.
// It is nil when no reader is installed, so a select on it never fires.
func (e *Engine) ReadReady() <-chan ReadResult {
	p, ok := e.reader.Get()
	if !ok {
		return nil
	}
	return p.results
}

// HandleRead processes a result received from ReadReady
func (e *Engine) HandleRead(res ReadResult) {
	p, ok := e.reader.Get()
	if !ok {
		return
	}

	if res.N > 0 {
		e.stats.Reads++
		e.stats.BytesIn += res.N
		e.buffer = append(e.buffer[:0], p.buf[:res.N]...)
		e.journal.Record(JournalRecord{At: e.clock.Now(), Kind: JournalRead, Size: res.N, Preview: Preview(e.buffer)})
		e.logger.WithFields(logrus.Fields{
			"bytes": res.N,
			"data":  Preview(e.buffer),
		}).Debug("Echoing data")
		e.forward(e.buffer)
	}

	switch {
	case res.Err != nil && !errors.Is(res.Err, io.EOF):
		e.logger.WithError(res.Err).Warn("Read failed, dropping reader")
		e.dropReader()
	case res.Err != nil || res.N == 0:
		e.logger.Debug("Remote closed the write stream")
		e.dropReader()
	default:
		p.release()
	}
}

// TickForward applies the transform to the relay buffer and forwards the result
func (e *Engine) TickForward() {
	e.stats.Ticks++
	next, err := e.transform.Apply(e.buffer)
	if err != nil {
		e.stats.TransformErrs++
		e.logger.WithError(err).WithField("transform", e.transform.Name()).Warn("Transform failed, keeping payload")
	} else {
		e.buffer = next
	}
	e.journal.Record(JournalRecord{At: e.clock.Now(), Kind: JournalTick, Size: len(e.buffer), Preview: Preview(e.buffer)})
	e.forward(e.buffer)
}

func (e *Engine) forward(data []byte) {
	w, ok := e.writer.Get()
	if !ok {
		return
	}
	if _, err := w.Write(data); err != nil {
		e.logger.WithError(err).Warn("Write failed, dropping writer")
		e.dropWriter()
		return
	}
	e.stats.Forwards++
	e.stats.BytesOut += len(data)
	e.journal.Record(JournalRecord{At: e.clock.Now(), Kind: JournalForward, Size: len(data), Preview: Preview(data)})
}

func (e *Engine) dropReader() {
	p, ok := e.reader.Take()
	if !ok {
		return
	}
	e.stats.ReadersDropped++
	e.journal.Record(JournalRecord{At: e.clock.Now(), Kind: JournalReaderDropped})
	p.stop()
}

func (e *Engine) dropWriter() {
	w, ok := e.writer.Take()
	if !ok {
		return
	}
	e.stats.WritersDropped++
	e.journal.Record(JournalRecord{At: e.clock.Now(), Kind: JournalWriterDropped})
	if err := w.Close(); err != nil {
		e.logger.WithError(err).Debug("Failed to close dropped writer")
	}
}

// Buffer returns a copy of the relay buffer
func (e *Engine) Buffer() []byte {
	return append([]byte(nil), e.buffer...)
}

// Stats returns a snapshot of the relay counters
func (e *Engine) Stats() Stats {
	return e.stats
}

// Journal returns the activity journal
func (e *Engine) Journal() *Journal {
	return e.journal
}

// Close releases the reader, then the writer. Safe to call more than once.
func (e *Engine) Close() error {
	var errs []error
	if p, ok := e.reader.Take(); ok {
		if err := p.stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close reader: %w", err))
		}
	}
	if w, ok := e.writer.Take(); ok {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close writer: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Preview renders a payload for logs: in full when short, first and last 4 bytes otherwise
func Preview(data []byte) string {
	if len(data) <= 8 {
		return hex.EncodeToString(data)
	}
	return fmt.Sprintf("%s...%s", hex.EncodeToString(data[:4]), hex.EncodeToString(data[len(data)-4:]))
}

// pump reads from one reader into its own buffer. The buffer belongs to the loop between a
// delivered result and release.
type pump struct {
	reader  host.Reader
	buf     []byte
	results chan ReadResult
	resume  chan struct{}
	done    chan struct{}
	stopped bool
}

func newPump(r host.Reader, mtu int) *pump {
	return &pump{
		reader:  r,
		buf:     make([]byte, mtu),
		results: make(chan ReadResult),
		resume:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (p *pump) run(_ context.Context) {
	for {
		n, err := p.reader.Read(p.buf)
		select {
		case p.results <- ReadResult{N: n, Err: err}:
		case <-p.done:
			return
		}
		if err != nil || n == 0 {
			return
		}
		select {
		case <-p.resume:
		case <-p.done:
			return
		}
	}
}

func (p *pump) release() {
	select {
	case p.resume <- struct{}{}:
	case <-p.done:
	}
}

// stop ends the pump and closes the reader; called from the loop goroutine only
func (p *pump) stop() error {
	if p.stopped {
		return nil
	}
	p.stopped = true
	close(p.done)
	return p.reader.Close()
}
