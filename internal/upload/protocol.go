// Package upload implements the acknowledged, chunked image transfer from the
// relay to the device.
//
// The device is told the chunk count in a 4-byte big-endian head packet, then
// receives ChunkSize-byte chunks. After every chunk it answers with a single
// byte: AckNext, AckFail or AckDone. Only the device decides when the transfer
// is complete.
package upload

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ChunkSize is the maximum payload carried by one chunk.
const ChunkSize = 128

// HeadSize is the length of the head packet.
const HeadSize = 4

// Ack is a device acknowledgement byte.
type Ack byte

const (
	AckNext Ack = 0x11
	AckFail Ack = 0x22
	AckDone Ack = 0x33
)

func (a Ack) String() string {
	switch a {
	case AckNext:
		return "NEXT"
	case AckFail:
		return "FAIL"
	case AckDone:
		return "DONE"
	default:
		return fmt.Sprintf("Ack(0x%02x)", byte(a))
	}
}

var (
	ErrUnknownResponse   = errors.New("unknown response")
	ErrDeviceFailure     = errors.New("device reported failure")
	ErrConnectionClosed  = errors.New("connection closed unexpectedly")
	ErrInvalidTransition = errors.New("invalid upload state transition")
	ErrInvalidHead       = errors.New("invalid head packet")
	ErrInvalidChunk      = errors.New("invalid chunk")
	ErrTooLarge          = errors.New("image too large")
)

// ChunkCount is ceil(total / ChunkSize).
func ChunkCount(total int) uint32 {
	if total <= 0 {
		return 0
	}
	return uint32((total + ChunkSize - 1) / ChunkSize)
}

// HeadPacket encodes the chunk count for a payload of total bytes.
func HeadPacket(total int) []byte {
	b := make([]byte, HeadSize)
	binary.BigEndian.PutUint32(b, ChunkCount(total))
	return b
}

// ParseHead decodes a head packet.
func ParseHead(b []byte) (uint32, error) {
	if len(b) != HeadSize {
		return 0, fmt.Errorf("%w: %d bytes, want %d", ErrInvalidHead, len(b), HeadSize)
	}
	return binary.BigEndian.Uint32(b), nil
}

// ChunkLen is the length of the chunk starting at offset sent.
func ChunkLen(total, sent int) int {
	n := total - sent
	if n > ChunkSize {
		n = ChunkSize
	}
	if n < 0 {
		n = 0
	}
	return n
}

// Chunks splits payload into successive chunks. The slices alias payload.
func Chunks(payload []byte) [][]byte {
	out := make([][]byte, 0, ChunkCount(len(payload)))
	for sent := 0; sent < len(payload); {
		n := ChunkLen(len(payload), sent)
		out = append(out, payload[sent:sent+n])
		sent += n
	}
	return out
}

// ParseAck validates a device response. Anything other than exactly one
// known byte is ErrUnknownResponse.
func ParseAck(resp []byte) (Ack, error) {
	if len(resp) != 1 {
		return 0, fmt.Errorf("%w: %d bytes", ErrUnknownResponse, len(resp))
	}
	switch a := Ack(resp[0]); a {
	case AckNext, AckFail, AckDone:
		return a, nil
	default:
		return 0, fmt.Errorf("%w: 0x%02x", ErrUnknownResponse, resp[0])
	}
}
