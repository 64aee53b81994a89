// Package xmodem implements the sending side of the checksum XModem variant
// spoken by the bootloader's "flash" command.
package xmodem

import (
	"errors"
	"fmt"
)

const (
	SOH byte = 0x01
	EOT byte = 0x04
	ACK byte = 0x06
	NAK byte = 0x15

	// Pad fills the unused tail of the last block.
	Pad byte = 0x17

	PayloadSize = 128
	PacketSize  = 3 + PayloadSize + 1
)

var ErrPayloadTooLarge = errors.New("xmodem: payload exceeds block size")

// Packet frames one block: SOH, block number, its complement, the payload
// padded to PayloadSize and an additive checksum over the padded payload.
func Packet(block byte, payload []byte) ([]byte, error) {
	if len(payload) > PayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	p := make([]byte, PacketSize)
	p[0] = SOH
	p[1] = block
	p[2] = 255 - block
	body := p[3 : 3+PayloadSize]
	n := copy(body, payload)
	for i := n; i < PayloadSize; i++ {
		body[i] = Pad
	}
	p[PacketSize-1] = Checksum(body)
	return p, nil
}

// Checksum is the low byte of the sum of b.
func Checksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum += c
	}
	return sum
}
