package serial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

var (
	// ErrIO covers every failure after the port was opened: short writes,
	// driver errors and elapsed read deadlines.
	ErrIO = errors.New("serial i/o error")

	// ErrTimeout is returned when a read deadline elapses before the
	// requested data arrived. It wraps ErrIO.
	ErrTimeout = fmt.Errorf("%w: timeout", ErrIO)
)

// idleBackoff bounds the spin when a port reports "no data" without blocking.
const idleBackoff = 5 * time.Millisecond

// Transport adds deadline-aware framing on top of a Port.
//
// Writes are serialized by wmu; reads by rmu. Bytes read past the end of a
// frame are kept in pending for the next call.
type Transport struct {
	port Port

	wmu sync.Mutex

	rmu     sync.Mutex
	pending []byte
	scratch []byte

	closeOnce sync.Once
	closeErr  error
}

// NewTransport wraps an open port.
func NewTransport(p Port) *Transport {
	return &Transport{port: p, scratch: make([]byte, 256)}
}

// Write writes all of b, retrying short writes.
func (t *Transport) Write(ctx context.Context, b []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	for len(b) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := t.port.Write(b)
		if err != nil {
			return fmt.Errorf("%w: write: %v", ErrIO, err)
		}
		if n <= 0 {
			return fmt.Errorf("%w: write made no progress", ErrIO)
		}
		b = b[n:]
	}
	return nil
}

// WriteString is Write for text commands.
func (t *Transport) WriteString(ctx context.Context, s string) error {
	return t.Write(ctx, []byte(s))
}

// ReadLine returns the next line with its "\n" (and any "\r") stripped.
func (t *Transport) ReadLine(ctx context.Context, timeout time.Duration) (string, error) {
	line, err := t.ReadRawLine(ctx, timeout)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimRight(line, "\r\n")), nil
}

// ReadRawLine returns the next line including its terminator.
func (t *Transport) ReadRawLine(ctx context.Context, timeout time.Duration) ([]byte, error) {
	return t.readFrame(ctx, timeout, func(buf []byte) int {
		return bytes.IndexByte(buf, '\n') + 1
	})
}

// ReadExact returns exactly n bytes.
func (t *Transport) ReadExact(ctx context.Context, n int, timeout time.Duration) ([]byte, error) {
	if n <= 0 {
		return []byte{}, nil
	}
	return t.readFrame(ctx, timeout, func(buf []byte) int {
		if len(buf) >= n {
			return n
		}
		return 0
	})
}

// ReadResponse returns whatever the first non-empty read delivered. The
// caller decides whether the length is acceptable.
func (t *Transport) ReadResponse(ctx context.Context, timeout time.Duration) ([]byte, error) {
	return t.readFrame(ctx, timeout, func(buf []byte) int {
		return len(buf)
	})
}

// ReadAvailable waits up to timeout and returns everything received, which
// may be empty. An elapsed timeout is not an error here.
func (t *Transport) ReadAvailable(ctx context.Context, timeout time.Duration) ([]byte, error) {
	t.rmu.Lock()
	defer t.rmu.Unlock()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := t.fillLocked(); err != nil {
			return nil, err
		}
	}
	return t.takeLocked(len(t.pending)), nil
}

// Flush hands back bytes received but not yet consumed by a framed read,
// e.g. a prompt that has no trailing newline.
func (t *Transport) Flush() []byte {
	t.rmu.Lock()
	defer t.rmu.Unlock()
	return t.takeLocked(len(t.pending))
}

// Close closes the underlying port once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.port.Close()
	})
	return t.closeErr
}

// readFrame polls the port until frame reports a complete frame length, the
// context ends, or the deadline elapses.
func (t *Transport) readFrame(ctx context.Context, timeout time.Duration, frame func([]byte) int) ([]byte, error) {
	t.rmu.Lock()
	defer t.rmu.Unlock()
	deadline := time.Now().Add(timeout)
	for {
		if n := frame(t.pending); n > 0 {
			return t.takeLocked(n), nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		if _, err := t.fillLocked(); err != nil {
			return nil, err
		}
	}
}

// fillLocked performs one read. A zero-length read or (0, io.EOF) is how the
// driver reports an elapsed ReadTimeout; it is not end of stream.
func (t *Transport) fillLocked() (bool, error) {
	n, err := t.port.Read(t.scratch)
	if n > 0 {
		t.pending = append(t.pending, t.scratch[:n]...)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return n > 0, fmt.Errorf("%w: read: %v", ErrIO, err)
	}
	if n == 0 {
		time.Sleep(idleBackoff)
	}
	return n > 0, nil
}

func (t *Transport) takeLocked(n int) []byte {
	out := make([]byte, n)
	copy(out, t.pending[:n])
	t.pending = t.pending[n:]
	if len(t.pending) == 0 {
		t.pending = nil
	}
	return out
}
