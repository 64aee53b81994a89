package terminal

import "sync"

// DefaultTranscriptSize bounds the bytes kept per relay session.
const DefaultTranscriptSize = 64 << 10

// Transcript is the terminal line buffer of one relay session: everything
// exchanged in both directions, oldest bytes overwritten once full.
type Transcript struct {
	mu    sync.Mutex
	buf   []byte
	pos   int
	full  bool
	total int64
}

func NewTranscript(size int) *Transcript {
	if size <= 0 {
		size = DefaultTranscriptSize
	}
	return &Transcript{buf: make([]byte, size)}
}

// Write appends p. It never fails.
func (t *Transcript) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total += int64(len(p))
	data := p
	for len(data) > 0 {
		n := copy(t.buf[t.pos:], data)
		data = data[n:]
		t.pos += n
		if t.pos >= len(t.buf) {
			t.pos = 0
			t.full = true
		}
	}
	return len(p), nil
}

// Bytes returns the retained bytes, oldest first.
func (t *Transcript) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		out := make([]byte, t.pos)
		copy(out, t.buf[:t.pos])
		return out
	}
	out := make([]byte, len(t.buf))
	n := copy(out, t.buf[t.pos:])
	copy(out[n:], t.buf[:t.pos])
	return out
}

// Total is the number of bytes ever written, including overwritten ones.
func (t *Transcript) Total() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}
