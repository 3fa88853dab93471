package testutils

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/srg/blip/internal/host"
	"github.com/srg/blip/internal/profile"
)

// DefaultDeliveryTimeout bounds how long the fake host waits for the session to pick up a request
const DefaultDeliveryTimeout = 5 * time.Second

// FakeHost implements host.Host in memory. Tests drive the control plane with AttachWrite,
// AttachNotify and Detach and inspect what the session asked the host to do.
//
// Basic usage:
//
//	h := testutils.NewFakeHost(t)
//	go sess.Run(ctx)
//	r := h.AttachWrite(512)
//	w := h.AttachNotify(512)
//	r.Feed([]byte{1, 2, 3})
//	chunk := w.Next()
type FakeHost struct {
	t        *testing.T
	requests chan host.Request
	closed   chan struct{}

	closeOnce sync.Once

	// Relay is the characteristic requests are sent on when they name none
	Relay string

	// Errors returned by the corresponding host operations (nil = succeed)
	AdvertiseErr  error
	RegisterErr   error
	WithdrawErr   error
	UnregisterErr error
	CloseErr      error

	mu            sync.Mutex
	advertised    []*host.AdvertiseConfig
	applications  []*profile.Application
	advertisement *FakeAdvertisement
	registration  *FakeRegistration
	closeCalls    atomic.Int32
	releases      Sequence
}

// Sequence records release steps in the order they happen
type Sequence struct {
	mu    sync.Mutex
	steps []string
}

// Record appends step; a nil Sequence records nothing
func (q *Sequence) Record(step string) {
	if q == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.steps = append(q.steps, step)
}

// Steps returns the recorded steps
func (q *Sequence) Steps() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.steps...)
}

// Release steps recorded by the fake host
const (
	ReleaseReader       = "reader"
	ReleaseWriter       = "writer"
	ReleaseRegistration = "registration"
	ReleaseAdvertising  = "advertising"
)

// NewFakeHost creates a fake host bound to the test
func NewFakeHost(t *testing.T) *FakeHost {
	return &FakeHost{
		t:        t,
		Relay:    profile.RelayCharacteristicUUID,
		requests: make(chan host.Request),
		closed:   make(chan struct{}),
	}
}

// Advertise records the config and returns a FakeAdvertisement
func (h *FakeHost) Advertise(_ context.Context, cfg *host.AdvertiseConfig) (host.Advertisement, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.AdvertiseErr != nil {
		return nil, h.AdvertiseErr
	}
	h.advertised = append(h.advertised, cfg)
	h.advertisement = &FakeAdvertisement{err: h.WithdrawErr, seq: &h.releases}
	return h.advertisement, nil
}

// RegisterApplication records the application and returns a FakeRegistration
func (h *FakeHost) RegisterApplication(_ context.Context, app *profile.Application) (host.Registration, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.RegisterErr != nil {
		return nil, h.RegisterErr
	}
	h.applications = append(h.applications, app)
	h.registration = &FakeRegistration{err: h.UnregisterErr, seq: &h.releases}
	return h.registration, nil
}

// Requests implements host.Host
func (h *FakeHost) Requests() <-chan host.Request {
	return h.requests
}

// Close ends the control channel; the negotiator then reports ControlClosed
func (h *FakeHost) Close() error {
	h.closeCalls.Add(1)
	h.closeOnce.Do(func() {
		close(h.closed)
		close(h.requests)
	})
	return h.CloseErr
}

// CloseCalls returns how many times Close was called
func (h *FakeHost) CloseCalls() int {
	return int(h.closeCalls.Load())
}

// Advertised returns the advertisement configs received so far
func (h *FakeHost) Advertised() []*host.AdvertiseConfig {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*host.AdvertiseConfig(nil), h.advertised...)
}

// Applications returns the GATT applications registered so far
func (h *FakeHost) Applications() []*profile.Application {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*profile.Application(nil), h.applications...)
}

// Advertisement returns the last advertisement handed out, nil if none
func (h *FakeHost) Advertisement() *FakeAdvertisement {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.advertisement
}

// Registration returns the last registration handed out, nil if none
func (h *FakeHost) Registration() *FakeRegistration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registration
}

// Releases returns the first release of every attached reader and writer, the registration and
// the advertisement, in the order they happened
func (h *FakeHost) Releases() []string {
	return h.releases.Steps()
}

// Send delivers a raw request, failing the test if nobody receives it in time
func (h *FakeHost) Send(req host.Request) {
	h.t.Helper()
	if req.Characteristic == "" {
		req.Characteristic = h.Relay
	}
	select {
	case h.requests <- req:
	case <-h.closed:
		h.t.Fatalf("fake host: request %s sent after Close", req.Op)
	case <-time.After(DefaultDeliveryTimeout):
		h.t.Fatalf("fake host: request %s was not received within %s", req.Op, DefaultDeliveryTimeout)
	}
}

// AttachWrite simulates a central opening the relay characteristic for writing
func (h *FakeHost) AttachWrite(mtu int) *FakeReader {
	h.t.Helper()
	r := NewFakeReader(mtu)
	r.seq = &h.releases
	h.Send(host.Request{
		Op:           host.OpWrite,
		MTU:          mtu,
		AcceptReader: func() (host.Reader, error) { return r, nil },
	})
	return r
}

// AttachNotify simulates a central subscribing to notifications on the relay characteristic
func (h *FakeHost) AttachNotify(mtu int) *FakeWriter {
	h.t.Helper()
	w := NewFakeWriter(mtu)
	w.seq = &h.releases
	h.Send(host.Request{
		Op:           host.OpNotify,
		MTU:          mtu,
		AcceptWriter: func() (host.Writer, error) { return w, nil },
	})
	return w
}

// AttachFailing simulates an attach whose materialization fails
func (h *FakeHost) AttachFailing(op host.Op, err error) {
	h.t.Helper()
	h.Send(host.Request{
		Op:           op,
		MTU:          23,
		AcceptReader: func() (host.Reader, error) { return nil, err },
		AcceptWriter: func() (host.Writer, error) { return nil, err },
	})
}

// Detach simulates a central closing an attachment of the given kind
func (h *FakeHost) Detach(kind host.Op) {
	h.t.Helper()
	h.Send(host.Request{Op: host.OpDetach, Detached: kind})
}

// FakeAdvertisement counts withdrawals
type FakeAdvertisement struct {
	calls atomic.Int32
	err   error
	seq   *Sequence
}

// Withdraw returns the configured error on the first call only
func (a *FakeAdvertisement) Withdraw() error {
	if a.calls.Add(1) == 1 {
		a.seq.Record(ReleaseAdvertising)
		return a.err
	}
	return nil
}

// Calls returns how many times Withdraw was called
func (a *FakeAdvertisement) Calls() int {
	return int(a.calls.Load())
}

// FakeRegistration counts unregistrations
type FakeRegistration struct {
	calls atomic.Int32
	err   error
	seq   *Sequence
}

// Unregister returns the configured error on the first call only
func (r *FakeRegistration) Unregister() error {
	if r.calls.Add(1) == 1 {
		r.seq.Record(ReleaseRegistration)
		return r.err
	}
	return nil
}

// Calls returns how many times Unregister was called
func (r *FakeRegistration) Calls() int {
	return int(r.calls.Load())
}

type readItem struct {
	data []byte
	err  error
}

// FakeReader is an inbound stream fed by the test
type FakeReader struct {
	mtu    int
	items  chan readItem
	closed chan struct{}
	once   sync.Once
	seq    *Sequence
}

// NewFakeReader creates a reader with the given MTU
func NewFakeReader(mtu int) *FakeReader {
	return &FakeReader{
		mtu:    mtu,
		items:  make(chan readItem, 64),
		closed: make(chan struct{}),
	}
}

// Feed queues a chunk the next Read returns
func (r *FakeReader) Feed(data []byte) {
	r.items <- readItem{data: append([]byte(nil), data...)}
}

// Fail queues a stream error
func (r *FakeReader) Fail(err error) {
	r.items <- readItem{err: err}
}

// CloseRemote simulates the central closing the stream: Read returns (0, io.EOF)
func (r *FakeReader) CloseRemote() {
	r.items <- readItem{err: io.EOF}
}

// Read implements io.Reader
func (r *FakeReader) Read(p []byte) (int, error) {
	select {
	case <-r.closed:
		return 0, host.ErrClosed
	default:
	}
	select {
	case <-r.closed:
		return 0, host.ErrClosed
	case it := <-r.items:
		if it.err != nil {
			return 0, it.err
		}
		return copy(p, it.data), nil
	}
}

// Close implements io.Closer
func (r *FakeReader) Close() error {
	r.once.Do(func() {
		close(r.closed)
		r.seq.Record(ReleaseReader)
	})
	return nil
}

// IsClosed reports whether the relay closed the reader
func (r *FakeReader) IsClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

// MTU implements host.Reader
func (r *FakeReader) MTU() int {
	return r.mtu
}

// FakeWriter records every write it receives
type FakeWriter struct {
	mtu int

	mu      sync.Mutex
	chunks  [][]byte
	failErr error
	failed  bool
	closed  bool
	seq     *Sequence

	writes chan []byte
}

// NewFakeWriter creates a writer with the given MTU
func NewFakeWriter(mtu int) *FakeWriter {
	return &FakeWriter{mtu: mtu, writes: make(chan []byte, 1024)}
}

// FailNext makes the next Write fail with err; the writer is invalid afterwards
func (w *FakeWriter) FailNext(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failErr = err
}

// Write implements io.Writer
func (w *FakeWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.failed {
		return 0, host.ErrClosed
	}
	if w.failErr != nil {
		w.failed = true
		return 0, w.failErr
	}
	chunk := append([]byte(nil), p...)
	w.chunks = append(w.chunks, chunk)
	select {
	case w.writes <- chunk:
	default:
	}
	return len(p), nil
}

// Close implements io.Closer
func (w *FakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		w.seq.Record(ReleaseWriter)
	}
	return nil
}

// IsClosed reports whether the relay closed the writer
func (w *FakeWriter) IsClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// MTU implements host.Writer
func (w *FakeWriter) MTU() int {
	return w.mtu
}

// Chunks returns every successfully written chunk, in order
func (w *FakeWriter) Chunks() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]byte(nil), w.chunks...)
}

// Next waits for the next successful write; returns nil on timeout
func (w *FakeWriter) Next() []byte {
	select {
	case chunk := <-w.writes:
		return chunk
	case <-time.After(DefaultDeliveryTimeout):
		return nil
	}
}
