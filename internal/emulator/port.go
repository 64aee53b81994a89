package emulator

import (
	"github.com/CK6170/loadstone-relay/serial"
	"github.com/CK6170/loadstone-relay/serial/serialtest"
)

// NewPort returns an in-memory port wired to d: every host write is handed
// to Process and the reply becomes readable.
func NewPort(d *Device) *serialtest.Port {
	p := serialtest.NewPort()
	p.OnWrite = func(b []byte) {
		if reply := d.Process(b); len(reply) > 0 {
			p.Feed(reply)
		}
	}
	return p
}

// Opener opens a fresh in-memory port on d for every session, so the
// relay can run without hardware. Opening resets the device.
func Opener(d *Device) func(path string) (serial.Port, error) {
	return func(string) (serial.Port, error) {
		d.Reset()
		return NewPort(d), nil
	}
}
