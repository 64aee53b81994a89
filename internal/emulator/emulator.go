// Package emulator is a software stand-in for a Loadstone device: it answers
// console commands and accepts uploads over the same byte stream a serial
// port would carry.
package emulator

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/CK6170/loadstone-relay/internal/bootmetrics"
	"github.com/CK6170/loadstone-relay/internal/upload"
	"github.com/CK6170/loadstone-relay/internal/xmodem"
	"github.com/rs/zerolog"
)

const prompt = "> "

// Options shapes the emulated device's answers.
type Options struct {
	// BootPath and BootTime are reported by "metrics".
	BootPath string
	BootTime int

	// NoMetrics makes "metrics" report that nothing was relayed.
	NoMetrics bool

	// FailAt makes the device answer FAIL to that chunk (1-based).
	FailAt int
}

type mode int

const (
	modeLine mode = iota
	modeHead
	modeData
	modeXModem
)

// Device is the emulated device. It is safe for concurrent use.
type Device struct {
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	mode     mode
	line     []byte
	buf      []byte
	count    uint32
	received uint32
	image    []byte
	block    byte
	images   [][]byte
}

func New(opts Options, log zerolog.Logger) *Device {
	if opts.BootPath == "" {
		opts.BootPath = "Direct"
	}
	if opts.BootTime == 0 {
		opts.BootTime = 42
	}
	return &Device{opts: opts, log: log}
}

// Images returns every image received so far.
func (d *Device) Images() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.images))
	copy(out, d.images)
	return out
}

// Process consumes bytes written by the host and returns the device's reply.
//
// In data mode a chunk ends after upload.ChunkSize bytes, or for the last
// chunk at the end of the write that carried it.
func (d *Device) Process(in []byte) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out bytes.Buffer
	for i := 0; i < len(in); i++ {
		c := in[i]
		switch d.mode {
		case modeLine:
			if c == 0x00 && len(d.line) == 0 {
				d.mode = modeHead
				d.buf = append(d.buf[:0], c)
				continue
			}
			switch c {
			case '\r':
			case '\n':
				cmd := strings.TrimSpace(string(d.line))
				d.line = d.line[:0]
				d.command(cmd, &out)
			default:
				d.line = append(d.line, c)
			}
		case modeHead:
			d.buf = append(d.buf, c)
			if len(d.buf) == upload.HeadSize {
				d.startUpload(binary.BigEndian.Uint32(d.buf), &out)
			}
		case modeData:
			d.buf = append(d.buf, c)
			if len(d.buf) == upload.ChunkSize {
				d.endChunk(&out)
			}
		case modeXModem:
			d.buf = append(d.buf, c)
			d.xmodemStep(&out)
		}
	}
	if d.mode == modeData && len(d.buf) > 0 && d.received+1 == d.count {
		d.endChunk(&out)
	}
	return out.Bytes()
}

func (d *Device) command(cmd string, out *bytes.Buffer) {
	name, arg, _ := strings.Cut(cmd, " ")
	switch name {
	case "":
	case "metrics":
		if d.opts.NoMetrics {
			out.WriteString(bootmetrics.NoMetricsMessage + "\r\n")
			break
		}
		fmt.Fprintf(out, "[Boot Metrics]\r\n* Boot process took %d milliseconds.\r\n* %s\r\n", d.opts.BootTime, d.opts.BootPath)
	case "upload":
		d.mode = modeHead
		d.buf = d.buf[:0]
		return
	case "flash":
		d.mode = modeXModem
		d.buf = d.buf[:0]
		d.block = 1
		d.image = d.image[:0]
		d.log.Debug().Str("args", arg).Msg("xmodem receive")
		out.WriteByte(xmodem.NAK)
		return
	case "help":
		out.WriteString("Commands: metrics, upload, flash bank=<n>, help\r\n")
	default:
		fmt.Fprintf(out, "Unknown command %q\r\n", name)
	}
	out.WriteString(prompt)
}

func (d *Device) startUpload(count uint32, out *bytes.Buffer) {
	d.buf = d.buf[:0]
	d.count, d.received = count, 0
	d.image = d.image[:0]
	d.log.Debug().Uint32("chunks", count).Msg("upload started")
	if count == 0 {
		d.finishUpload(upload.AckDone, out)
		return
	}
	d.mode = modeData
}

func (d *Device) endChunk(out *bytes.Buffer) {
	d.image = append(d.image, d.buf...)
	d.buf = d.buf[:0]
	d.received++
	switch {
	case d.opts.FailAt > 0 && int(d.received) == d.opts.FailAt:
		d.finishUpload(upload.AckFail, out)
	case d.received == d.count:
		d.finishUpload(upload.AckDone, out)
	default:
		out.WriteByte(byte(upload.AckNext))
	}
}

func (d *Device) finishUpload(ack upload.Ack, out *bytes.Buffer) {
	out.WriteByte(byte(ack))
	if ack == upload.AckDone {
		d.keepImage()
	}
	d.log.Info().Stringer("ack", ack).Int("bytes", len(d.image)).Msg("upload finished")
	d.mode = modeLine
	d.buf = d.buf[:0]
}

// Reset drops any half-received command or upload and returns to the console,
// as the board does when its port is reopened.
func (d *Device) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mode != modeLine {
		d.log.Debug().Uint32("received", d.received).Uint32("chunks", d.count).Msg("reset during upload")
	}
	d.mode = modeLine
	d.line = d.line[:0]
	d.buf = d.buf[:0]
	d.count, d.received = 0, 0
}

func (d *Device) keepImage() {
	img := make([]byte, len(d.image))
	copy(img, d.image)
	d.images = append(d.images, img)
}

func (d *Device) xmodemStep(out *bytes.Buffer) {
	if len(d.buf) == 1 && d.buf[0] == xmodem.EOT {
		out.WriteByte(xmodem.ACK)
		d.keepImage()
		out.WriteString("\r\n" + upload.CompletionBanner + "\r\n" + prompt)
		d.mode = modeLine
		d.buf = d.buf[:0]
		return
	}
	if len(d.buf) < xmodem.PacketSize {
		return
	}
	pkt := d.buf
	d.buf = d.buf[:0]
	body := pkt[3 : 3+xmodem.PayloadSize]
	if pkt[0] != xmodem.SOH || pkt[1] != d.block || pkt[1]+pkt[2] != 255 || xmodem.Checksum(body) != pkt[xmodem.PacketSize-1] {
		out.WriteByte(xmodem.NAK)
		return
	}
	d.image = append(d.image, body...)
	d.block++
	out.WriteByte(xmodem.ACK)
}

// Serve runs the device on rw until ctx ends or rw fails.
func (d *Device) Serve(ctx context.Context, rw io.ReadWriter) error {
	buf := make([]byte, 512)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := rw.Read(buf)
		if n > 0 {
			if reply := d.Process(buf[:n]); len(reply) > 0 {
				if _, werr := rw.Write(reply); werr != nil {
					return werr
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}
