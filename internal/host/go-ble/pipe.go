package goble

import (
	"io"
	"sync"

	"github.com/smallnest/ringbuffer"
	"github.com/srg/blip/internal/host"
)

// DefaultPipeCapacity is the number of inbound bytes buffered per central
const DefaultPipeCapacity = 16 * 1024

// inboundPipe turns the discrete ATT writes of one central into a byte stream.
// go-ble handlers push into it, the relay reads from it.
type inboundPipe struct {
	buf    *ringbuffer.RingBuffer
	notify chan struct{}
	mtu    int

	mu           sync.Mutex
	remoteClosed bool
	localClosed  bool
	closed       chan struct{}
	dropped      uint64
}

func newInboundPipe(capacity, mtu int) *inboundPipe {
	return &inboundPipe{
		buf:    ringbuffer.New(capacity),
		notify: make(chan struct{}, 1),
		mtu:    mtu,
		closed: make(chan struct{}),
	}
}

// push appends data written by the central. Bytes that do not fit are dropped and counted.
func (p *inboundPipe) push(data []byte) (int, error) {
	p.mu.Lock()
	if p.remoteClosed || p.localClosed {
		p.mu.Unlock()
		return 0, host.ErrClosed
	}
	n, err := p.buf.Write(data)
	if n < len(data) {
		p.dropped += uint64(len(data) - n)
	}
	p.mu.Unlock()

	if n > 0 {
		select {
		case p.notify <- struct{}{}:
		default:
		}
	}
	return n, err
}

// closeRemote marks the end of the stream; buffered bytes remain readable
func (p *inboundPipe) closeRemote() {
	p.mu.Lock()
	p.remoteClosed = true
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Read implements io.Reader. It blocks until data arrives, the central goes away (io.EOF)
// or the pipe is closed locally (host.ErrClosed).
func (p *inboundPipe) Read(b []byte) (int, error) {
	for {
		p.mu.Lock()
		if p.localClosed {
			p.mu.Unlock()
			return 0, host.ErrClosed
		}
		if !p.buf.IsEmpty() {
			n, err := p.buf.TryRead(b)
			p.mu.Unlock()
			if err != nil && n == 0 {
				return 0, err
			}
			return n, nil
		}
		remoteClosed := p.remoteClosed
		p.mu.Unlock()

		if remoteClosed {
			return 0, io.EOF
		}

		select {
		case <-p.notify:
		case <-p.closed:
		}
	}
}

// Close implements io.Closer
func (p *inboundPipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.localClosed {
		return nil
	}
	p.localClosed = true
	close(p.closed)
	return nil
}

// MTU implements host.Reader
func (p *inboundPipe) MTU() int {
	return p.mtu
}

// Dropped returns how many inbound bytes were lost to a full buffer
func (p *inboundPipe) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}
