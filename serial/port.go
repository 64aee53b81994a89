package serial

import (
	"fmt"
	"io"
	"strings"
	"time"

	goserial "github.com/tarm/serial"
)

const (
	// DefaultBaud matches the bootloader's console UART (115200 8N1, no flow control).
	DefaultBaud = 115200

	// DefaultPollInterval is the per-read timeout handed to the driver. tarm/serial
	// rounds it to deciseconds on POSIX, so anything below 100ms is not honoured.
	DefaultPollInterval = 100 * time.Millisecond
)

// Port is the byte stream of an open serial device.
//
// *tarm/serial.Port satisfies it; tests substitute serialtest.Port.
type Port interface {
	io.ReadWriteCloser
}

// Config selects the device node and line settings used by Open.
type Config struct {
	Path         string
	Baud         int
	PollInterval time.Duration
}

// Open opens the device at cfg.Path as 8N1 without flow control.
//
// ReadTimeout is set to the poll interval so reads never block forever; an
// elapsed poll surfaces as (0, io.EOF) and is handled by Transport.
func Open(cfg Config) (Port, error) {
	name := strings.TrimSpace(cfg.Path)
	if name == "" {
		return nil, fmt.Errorf("missing device path")
	}
	baud := cfg.Baud
	if baud <= 0 {
		baud = DefaultBaud
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	port, err := goserial.OpenPort(&goserial.Config{
		Name:        name,
		Baud:        baud,
		Parity:      goserial.ParityNone,
		Size:        8,
		StopBits:    goserial.Stop1,
		ReadTimeout: poll,
	})
	if err != nil {
		return nil, err
	}
	return port, nil
}
