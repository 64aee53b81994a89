package xmodem

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CK6170/loadstone-relay/serial"
)

const (
	DefaultRetries         = 10
	DefaultResponseTimeout = 10 * time.Second
	DefaultBank            = 2
)

var (
	// ErrRejected means the receiver answered the flash command with ACK
	// instead of asking for the first block.
	ErrRejected = errors.New("xmodem: receiver did not request a transfer")

	// ErrRetriesExhausted means a block was NAKed DefaultRetries times.
	ErrRetriesExhausted = errors.New("xmodem: block not acknowledged")
)

// Conn is the part of serial.Transport the sender needs.
type Conn interface {
	Write(ctx context.Context, b []byte) error
	ReadResponse(ctx context.Context, timeout time.Duration) ([]byte, error)
}

// Sender pushes blocks to a receiver that has been put into flash mode.
type Sender struct {
	conn  Conn
	block byte

	Retries         int
	ResponseTimeout time.Duration
}

func NewSender(conn Conn) *Sender {
	return &Sender{conn: conn, Retries: DefaultRetries, ResponseTimeout: DefaultResponseTimeout}
}

// Start asks the bootloader to receive an image into bank and waits for the
// receiver's initial NAK.
func (s *Sender) Start(ctx context.Context, bank int) error {
	if err := s.conn.Write(ctx, []byte(fmt.Sprintf("flash bank=%d\n", bank))); err != nil {
		return err
	}
	s.block = 0
	acked, err := s.await(ctx)
	if err != nil {
		return err
	}
	if acked {
		return ErrRejected
	}
	return nil
}

// Send transmits payload as the next block, resending on NAK.
func (s *Sender) Send(ctx context.Context, payload []byte) error {
	s.block++
	pkt, err := Packet(s.block, payload)
	if err != nil {
		return err
	}
	for attempt := 0; attempt < s.Retries; attempt++ {
		if err := s.conn.Write(ctx, pkt); err != nil {
			return err
		}
		acked, err := s.await(ctx)
		if err != nil {
			return err
		}
		if acked {
			return nil
		}
	}
	return fmt.Errorf("%w: block %d after %d attempts", ErrRetriesExhausted, s.block, s.Retries)
}

// Finish ends the transfer.
func (s *Sender) Finish(ctx context.Context) error {
	return s.conn.Write(ctx, []byte{EOT})
}

// Block is the number of the last block sent.
func (s *Sender) Block() byte { return s.block }

// await waits for ACK or NAK. Any other byte (command echo, log text) is
// skipped.
func (s *Sender) await(ctx context.Context) (bool, error) {
	deadline := time.Now().Add(s.ResponseTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, fmt.Errorf("%w waiting for ACK/NAK after %s", serial.ErrTimeout, s.ResponseTimeout)
		}
		b, err := s.conn.ReadResponse(ctx, remaining)
		if err != nil {
			return false, err
		}
		for _, c := range b {
			switch c {
			case ACK:
				return true, nil
			case NAK:
				return false, nil
			}
		}
	}
}
