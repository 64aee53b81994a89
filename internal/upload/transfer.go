package upload

import (
	"errors"
	"fmt"
)

// State is the position of a Transfer in the upload state machine.
type State int

const (
	StateIdle State = iota
	StateHeadSent
	StateSending
	StateAwaitingAck
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHeadSent:
		return "head-sent"
	case StateSending:
		return "sending"
	case StateAwaitingAck:
		return "awaiting-ack"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Transfer tracks one upload. Sent never exceeds Total and only grows.
type Transfer struct {
	Total int
	Sent  int
	State State
	Err   error
}

func NewTransfer(total int) *Transfer {
	return &Transfer{Total: total}
}

// NewStreamTransfer starts a transfer known only by its chunk count, as
// announced by a client head packet. Total starts at count full chunks and is
// trimmed when a short last chunk arrives.
func NewStreamTransfer(count uint32) *Transfer {
	return &Transfer{Total: int(count) * ChunkSize}
}

// Head moves Idle to HeadSent and returns the head packet.
func (t *Transfer) Head() ([]byte, error) {
	if t.State != StateIdle {
		return nil, t.invalid("head")
	}
	t.State = StateHeadSent
	return HeadPacket(t.Total), nil
}

// Exhausted reports whether every byte has been handed to the device.
func (t *Transfer) Exhausted() bool { return t.Sent >= t.Total }

// NextChunk returns the next chunk of payload and waits for its ack.
func (t *Transfer) NextChunk(payload []byte) ([]byte, error) {
	if t.State != StateHeadSent && t.State != StateSending {
		return nil, t.invalid("next chunk")
	}
	if len(payload) != t.Total {
		return nil, fmt.Errorf("payload is %d bytes, transfer expects %d", len(payload), t.Total)
	}
	if t.Exhausted() {
		return nil, t.invalid("next chunk after last")
	}
	n := ChunkLen(t.Total, t.Sent)
	chunk := payload[t.Sent : t.Sent+n]
	t.Sent += n
	t.State = StateAwaitingAck
	return chunk, nil
}

// Accept takes the next chunk as received from a client and waits for its
// ack. Only the last announced chunk may be shorter than ChunkSize.
func (t *Transfer) Accept(chunk []byte) error {
	if t.State != StateHeadSent && t.State != StateSending {
		return t.invalid("accept chunk")
	}
	if t.Exhausted() {
		err := fmt.Errorf("%w: more chunks than announced", ErrInvalidChunk)
		t.fail(err)
		return err
	}
	want := ChunkLen(t.Total, t.Sent)
	if len(chunk) == 0 || len(chunk) > want {
		err := fmt.Errorf("%w: chunk of %d bytes at offset %d", ErrInvalidChunk, len(chunk), t.Sent)
		t.fail(err)
		return err
	}
	if len(chunk) < want {
		if t.Sent+ChunkSize < t.Total {
			err := fmt.Errorf("%w: short chunk of %d bytes before the last", ErrInvalidChunk, len(chunk))
			t.fail(err)
			return err
		}
		t.Total = t.Sent + len(chunk)
	}
	t.Sent += len(chunk)
	t.State = StateAwaitingAck
	return nil
}

// AwaitCompletion waits for the device's verdict once all bytes are sent.
func (t *Transfer) AwaitCompletion() error {
	if t.State != StateHeadSent && t.State != StateSending {
		return t.invalid("await completion")
	}
	if !t.Exhausted() {
		return t.invalid("await completion with data left")
	}
	t.State = StateAwaitingAck
	return nil
}

// Acknowledge applies a device response. NEXT returns to Sending even after
// the last chunk; the transfer only ends on DONE or FAIL.
func (t *Transfer) Acknowledge(resp []byte) (Ack, error) {
	if t.State != StateAwaitingAck {
		return 0, t.invalid("acknowledge")
	}
	ack, err := ParseAck(resp)
	if err != nil {
		t.fail(err)
		return 0, err
	}
	switch ack {
	case AckNext:
		t.State = StateSending
	case AckDone:
		t.State = StateDone
	case AckFail:
		t.fail(ErrDeviceFailure)
		return ack, ErrDeviceFailure
	}
	return ack, nil
}

// Abort fails a transfer that has not finished yet. It reports whether the
// state changed.
func (t *Transfer) Abort(err error) bool {
	if t.Complete() {
		return false
	}
	if err == nil {
		err = errors.New("aborted")
	}
	t.fail(err)
	return true
}

// Complete reports whether the transfer reached Done or Failed.
func (t *Transfer) Complete() bool {
	return t.State == StateDone || t.State == StateFailed
}

// Progress is the sent fraction of the image; 1 once the device said DONE.
func (t *Transfer) Progress() float64 {
	if t.State == StateDone {
		return 1
	}
	if t.Total == 0 {
		return 0
	}
	return float64(t.Sent) / float64(t.Total)
}

func (t *Transfer) fail(err error) {
	t.State = StateFailed
	t.Err = err
}

func (t *Transfer) invalid(op string) error {
	return fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, op, t.State)
}
