package upload

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"time"

	"github.com/CK6170/loadstone-relay/internal/xmodem"
)

// Link is the device side of an upload.
type Link interface {
	SendHead(ctx context.Context, count uint32) error
	SendChunk(ctx context.Context, chunk []byte) error
	ReadAck(ctx context.Context, timeout time.Duration) ([]byte, error)
}

// Conn is the part of serial.Transport used by the links.
type Conn interface {
	Write(ctx context.Context, b []byte) error
	ReadResponse(ctx context.Context, timeout time.Duration) ([]byte, error)
	ReadAvailable(ctx context.Context, timeout time.Duration) ([]byte, error)
}

// DirectLink speaks the head/chunk/ack protocol to the device unchanged.
type DirectLink struct {
	Conn Conn

	// Command, when set, is written before the head packet to put the
	// device into upload mode.
	Command string
}

func (l *DirectLink) SendHead(ctx context.Context, count uint32) error {
	if l.Command != "" {
		if err := l.Conn.Write(ctx, []byte(l.Command)); err != nil {
			return err
		}
	}
	head := make([]byte, HeadSize)
	binary.BigEndian.PutUint32(head, count)
	return l.Conn.Write(ctx, head)
}

func (l *DirectLink) SendChunk(ctx context.Context, chunk []byte) error {
	return l.Conn.Write(ctx, chunk)
}

func (l *DirectLink) ReadAck(ctx context.Context, timeout time.Duration) ([]byte, error) {
	return l.Conn.ReadResponse(ctx, timeout)
}

// CompletionBanner is printed by the bootloader once a flashed image has been
// written and verified.
const CompletionBanner = "Image transfer complete!"

const bannerPoll = 250 * time.Millisecond

// XModemLink drives the bootloader's "flash" command and translates its
// XModem handshake into acks: an ACKed block is NEXT, a block that exhausts
// its retries is FAIL, and after the last block the completion banner decides
// between DONE and FAIL.
type XModemLink struct {
	Conn   Conn
	Sender *xmodem.Sender
	Bank   int

	count   uint32
	sent    uint32
	pending []byte
	output  bytes.Buffer
}

func NewXModemLink(conn Conn, bank int) *XModemLink {
	return &XModemLink{Conn: conn, Sender: xmodem.NewSender(conn), Bank: bank}
}

func (l *XModemLink) SendHead(ctx context.Context, count uint32) error {
	l.count, l.sent, l.pending = count, 0, nil
	l.output.Reset()
	err := l.Sender.Start(ctx, l.Bank)
	if errors.Is(err, xmodem.ErrRejected) {
		l.pending = []byte{byte(AckFail)}
		return nil
	}
	return err
}

func (l *XModemLink) SendChunk(ctx context.Context, chunk []byte) error {
	if l.pending != nil {
		// The device already refused the transfer; report that instead.
		return nil
	}
	err := l.Sender.Send(ctx, chunk)
	switch {
	case err == nil:
		l.sent++
		l.pending = []byte{byte(AckNext)}
	case errors.Is(err, xmodem.ErrRetriesExhausted):
		l.pending = []byte{byte(AckFail)}
	default:
		return err
	}
	return nil
}

func (l *XModemLink) ReadAck(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if l.pending != nil {
		p := l.pending
		l.pending = nil
		return p, nil
	}
	if l.sent < l.count {
		return nil, ErrInvalidTransition
	}
	if err := l.Sender.Finish(ctx); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		wait := time.Until(deadline)
		if wait > bannerPoll {
			wait = bannerPoll
		}
		b, err := l.Conn.ReadAvailable(ctx, wait)
		if err != nil {
			return nil, err
		}
		l.output.Write(b)
		if bytes.Contains(l.output.Bytes(), []byte(CompletionBanner)) {
			return []byte{byte(AckDone)}, nil
		}
	}
	return []byte{byte(AckFail)}, nil
}
