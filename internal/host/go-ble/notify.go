package goble

import (
	"context"
	"sync"

	"github.com/srg/blip/internal/host"
)

// attNotifyOverhead is the ATT header carried by every notification
const attNotifyOverhead = 3

// notifier is the part of ble.Notifier the writer needs
type notifier interface {
	Context() context.Context
	Write(b []byte) (int, error)
	Cap() int
}

// notifyWriter sends arbitrary-length payloads as a sequence of notifications
type notifyWriter struct {
	n   notifier
	mtu int

	mu     sync.Mutex
	failed bool
	closed chan struct{}
	once   sync.Once
}

func newNotifyWriter(n notifier, mtu int) *notifyWriter {
	return &notifyWriter{n: n, mtu: mtu, closed: make(chan struct{})}
}

func (w *notifyWriter) chunkSize() int {
	if c := w.n.Cap(); c > 0 {
		return c
	}
	if w.mtu > attNotifyOverhead {
		return w.mtu - attNotifyOverhead
	}
	return host.DefaultMTU - attNotifyOverhead
}

// Write implements io.Writer. After a failed write the writer stays invalid.
func (w *notifyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.closed:
		return 0, host.ErrClosed
	default:
	}
	if w.failed {
		return 0, host.ErrClosed
	}

	size := w.chunkSize()
	written := 0
	for written < len(p) {
		end := written + size
		if end > len(p) {
			end = len(p)
		}
		if _, err := w.n.Write(p[written:end]); err != nil {
			w.failed = true
			return written, err
		}
		written = end
	}
	return written, nil
}

// Close implements io.Closer; it releases the notify handler
func (w *notifyWriter) Close() error {
	w.once.Do(func() { close(w.closed) })
	return nil
}

// MTU implements host.Writer
func (w *notifyWriter) MTU() int {
	return w.mtu
}
