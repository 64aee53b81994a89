// Package serialtest provides an in-memory serial port for tests.
//
// Port behaves like a tarm/serial port opened with a ReadTimeout: a read with
// nothing buffered waits for at most one poll interval and then returns
// (0, io.EOF).
package serialtest

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("serialtest: port closed")

// DefaultPoll is the simulated driver ReadTimeout.
const DefaultPoll = 10 * time.Millisecond

// Port is a fake device. Bytes passed to Feed become readable by the host;
// bytes the host writes are recorded and handed to OnWrite.
type Port struct {
	mu      sync.Mutex
	in      []byte
	out     bytes.Buffer
	writes  [][]byte
	closed  bool
	readErr error
	notify  chan struct{}

	// Poll is how long an empty read waits before reporting a timeout.
	Poll time.Duration

	// OnWrite, when set, is called after every host write with a copy of the
	// written bytes. It runs without the port lock held so it may call Feed.
	OnWrite func(p []byte)

	// WriteErr, when set, fails every host write.
	WriteErr error
}

// NewPort returns an open, empty port.
func NewPort() *Port {
	return &Port{notify: make(chan struct{}, 1), Poll: DefaultPoll}
}

// Feed queues device output for the host.
func (p *Port) Feed(b []byte) {
	p.mu.Lock()
	p.in = append(p.in, b...)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// FeedString is Feed for text.
func (p *Port) FeedString(s string) { p.Feed([]byte(s)) }

// FailReads makes every subsequent read return err.
func (p *Port) FailReads(err error) {
	p.mu.Lock()
	p.readErr = err
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Read implements io.Reader.
func (p *Port) Read(b []byte) (int, error) {
	deadline := time.NewTimer(p.Poll)
	defer deadline.Stop()
	for {
		p.mu.Lock()
		if p.readErr != nil {
			err := p.readErr
			p.mu.Unlock()
			return 0, err
		}
		if len(p.in) > 0 {
			n := copy(b, p.in)
			p.in = p.in[n:]
			p.mu.Unlock()
			return n, nil
		}
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return 0, io.ErrClosedPipe
		}
		select {
		case <-p.notify:
		case <-deadline.C:
			return 0, io.EOF
		}
	}
}

// Write implements io.Writer.
func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	if p.WriteErr != nil {
		err := p.WriteErr
		p.mu.Unlock()
		return 0, err
	}
	p.out.Write(b)
	cp := append([]byte(nil), b...)
	p.writes = append(p.writes, cp)
	hook := p.OnWrite
	p.mu.Unlock()
	if hook != nil {
		hook(cp)
	}
	return len(b), nil
}

// Close implements io.Closer.
func (p *Port) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// Closed reports whether Close was called.
func (p *Port) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Written returns everything the host wrote so far.
func (p *Port) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.out.Bytes()...)
}

// Writes returns the host writes as individual calls.
func (p *Port) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes))
	copy(out, p.writes)
	return out
}
