package upload

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// maxQueuedFrames caps how far a client may run ahead of the device; it
// covers the largest image the relay accepts.
const maxQueuedFrames = 1 << 16

// FrameReader reads WebSocket messages; *websocket.Conn implements it.
type FrameReader interface {
	ReadMessage() (messageType int, p []byte, err error)
}

type frame struct {
	mt   int
	data []byte
}

// ClientSource feeds a streamed upload from a client's WebSocket messages.
//
// A single goroutine keeps reading the socket, queueing what the client sends
// ahead of time, so a client going away is noticed even while the device is
// busy with a chunk. Every wait for a client message is bounded by Timeout.
type ClientSource struct {
	Timeout time.Duration

	mu     sync.Mutex
	queue  []frame
	err    error
	closed bool
	ready  chan struct{}
}

// NewClientSource starts reading r. onClose, when set, is called once if the
// client connection fails before Close.
func NewClientSource(r FrameReader, timeout time.Duration, onClose func(error)) *ClientSource {
	s := &ClientSource{Timeout: timeout, ready: make(chan struct{}, 1)}
	go s.pump(r, onClose)
	return s
}

func (s *ClientSource) pump(r FrameReader, onClose func(error)) {
	for {
		mt, p, err := r.ReadMessage()
		s.mu.Lock()
		if err == nil && len(s.queue) >= maxQueuedFrames {
			err = fmt.Errorf("%w: client sent more than %d messages ahead", ErrInvalidChunk, maxQueuedFrames)
		}
		if err != nil {
			if s.err == nil {
				s.err = fmt.Errorf("%w: %v", ErrConnectionClosed, err)
			}
			notify := !s.closed && onClose != nil
			s.mu.Unlock()
			s.signal()
			if notify {
				onClose(s.err)
			}
			return
		}
		if !s.closed {
			s.queue = append(s.queue, frame{mt: mt, data: p})
		}
		s.mu.Unlock()
		s.signal()
	}
}

func (s *ClientSource) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Close drops queued messages and stops reporting connection failures. The
// reader goroutine exits once the underlying connection is closed.
func (s *ClientSource) Close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
}

func (s *ClientSource) next(ctx context.Context, what string) ([]byte, error) {
	var timeout <-chan time.Time
	if s.Timeout > 0 {
		t := time.NewTimer(s.Timeout)
		defer t.Stop()
		timeout = t.C
	}
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			f := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			if f.mt != websocket.BinaryMessage {
				return nil, fmt.Errorf("%w: expected a binary %s", ErrInvalidChunk, what)
			}
			return f.data, nil
		}
		err := s.err
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}

		select {
		case <-s.ready:
		case <-timeout:
			return nil, fmt.Errorf("%w: no %s from client within %s", ErrConnectionClosed, what, s.Timeout)
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
}

// Head reads the head packet and returns the announced chunk count. maxSize
// <= 0 disables the size limit.
func (s *ClientSource) Head(ctx context.Context, maxSize int) (uint32, error) {
	b, err := s.next(ctx, "head packet")
	if err != nil {
		return 0, err
	}
	count, err := ParseHead(b)
	if err != nil {
		return 0, err
	}
	if maxSize > 0 && uint64(count)*ChunkSize > uint64(maxSize) {
		return 0, fmt.Errorf("%w: %d chunks exceed %d bytes", ErrTooLarge, count, maxSize)
	}
	return count, nil
}

// NextChunk waits for the client's next chunk.
func (s *ClientSource) NextChunk(ctx context.Context) ([]byte, error) {
	return s.next(ctx, "chunk")
}
