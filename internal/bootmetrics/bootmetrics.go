// Package bootmetrics asks the bootloader for its boot metrics and parses the
// three-line reply.
package bootmetrics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/CK6170/loadstone-relay/internal/device"
	"github.com/CK6170/loadstone-relay/models"
	"github.com/CK6170/loadstone-relay/serial"
)

const (
	// Command asks the device to print its boot metrics.
	Command = "metrics\n"

	// ReplyLines is the number of lines the device answers with.
	ReplyLines = 3

	timePrefix = "* Boot process took "
	timeSuffix = " milliseconds."
	pathPrefix = "* "

	// NoMetricsMessage is printed when the bootloader left nothing valid
	// behind for the application.
	NoMetricsMessage = "Loadstone did not relay any boot metrics, or the boot metrics were corrupted"

	// Unknown fills time and path when the device reported NoMetricsMessage.
	Unknown = "unknown"

	DefaultTimeout = 2 * time.Second
)

// ErrMalformed is returned when the reply does not have the expected shape.
var ErrMalformed = errors.New("malformed boot metrics")

// Metrics is a parsed reply.
type Metrics struct {
	Time string
	Path string
}

// Record converts m into the JSON record served to clients.
func (m Metrics) Record() models.MetricsRecord {
	return models.MetricsRecord{Error: models.MetricsErrorNone, Time: m.Time, Path: m.Path}
}

// ParseLines parses a complete reply. The first line is a header and is
// ignored; the second carries the boot time and the third the boot path.
// Firmware that prints the path before the time is accepted too.
func ParseLines(lines []string) (Metrics, error) {
	for _, l := range lines {
		if strings.Contains(l, NoMetricsMessage) {
			return Metrics{Time: Unknown, Path: Unknown}, nil
		}
	}
	if len(lines) < ReplyLines {
		return Metrics{}, fmt.Errorf("%w: got %d lines, want %d", ErrMalformed, len(lines), ReplyLines)
	}
	timeLine, pathLine := trimEOL(lines[1]), trimEOL(lines[2])
	if !strings.HasPrefix(timeLine, timePrefix) && strings.HasPrefix(pathLine, timePrefix) {
		timeLine, pathLine = pathLine, timeLine
	}

	t, ok := cut(timeLine, timePrefix, timeSuffix)
	if !ok || t == "" {
		return Metrics{}, fmt.Errorf("%w: bad time line %q", ErrMalformed, timeLine)
	}
	p, ok := cut(pathLine, pathPrefix, "")
	p = strings.TrimSpace(p)
	if !ok || p == "" {
		return Metrics{}, fmt.Errorf("%w: bad path line %q", ErrMalformed, pathLine)
	}
	return Metrics{Time: t, Path: p}, nil
}

// Parse splits text on newlines and calls ParseLines.
func Parse(text string) (Metrics, error) {
	text = strings.TrimRight(text, "\r\n")
	return ParseLines(strings.Split(text, "\n"))
}

func cut(s, prefix, suffix string) (string, bool) {
	if !strings.HasPrefix(s, prefix) || !strings.HasSuffix(s, suffix) {
		return "", false
	}
	if len(s) < len(prefix)+len(suffix) {
		return "", false
	}
	return s[len(prefix) : len(s)-len(suffix)], true
}

func trimEOL(s string) string { return strings.TrimRight(s, "\r\n") }

// LineConn is the part of serial.Transport used to talk to the device.
type LineConn interface {
	WriteString(ctx context.Context, s string) error
	ReadLine(ctx context.Context, timeout time.Duration) (string, error)
}

// Fetch writes Command and reads the reply within one overall timeout.
func Fetch(ctx context.Context, c LineConn, timeout time.Duration) (Metrics, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	if err := c.WriteString(ctx, Command); err != nil {
		return Metrics{}, err
	}
	lines := make([]string, 0, ReplyLines)
	for len(lines) < ReplyLines {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Metrics{}, fmt.Errorf("%w after %s (%d of %d lines)", serial.ErrTimeout, timeout, len(lines), ReplyLines)
		}
		line, err := c.ReadLine(ctx, remaining)
		if err != nil {
			return Metrics{}, err
		}
		if strings.Contains(line, NoMetricsMessage) {
			return Metrics{Time: Unknown, Path: Unknown}, nil
		}
		lines = append(lines, line)
	}
	return ParseLines(lines)
}

// Classify maps an error from Acquire, Fetch or ParseLines to the record's
// error field.
func Classify(err error) models.MetricsError {
	switch {
	case err == nil:
		return models.MetricsErrorNone
	case errors.Is(err, device.ErrNoDevicePath):
		return models.MetricsErrorInternal
	case errors.Is(err, device.ErrUnavailable):
		return models.MetricsErrorDevice
	case errors.Is(err, ErrMalformed):
		return models.MetricsErrorMetrics
	default:
		return models.MetricsErrorIO
	}
}

// ErrorRecord is the record returned for a failed request.
func ErrorRecord(err error) models.MetricsRecord {
	return models.MetricsRecord{Error: Classify(err)}
}

// Fetcher serves metrics requests, each in its own device session.
type Fetcher struct {
	Devices *device.Manager
	Timeout time.Duration
}

// Fetch acquires the device, runs one request and releases it. Failures are
// reported through the record's error field.
func (f *Fetcher) Fetch(ctx context.Context) models.MetricsRecord {
	s, err := f.Devices.Acquire(device.KindMetrics)
	if err != nil {
		return ErrorRecord(err)
	}
	defer s.Release()

	log := s.Logger()
	m, err := Fetch(ctx, s, f.Timeout)
	if err != nil {
		log.Warn().Err(err).Str("class", string(Classify(err))).Msg("boot metrics request failed")
		return ErrorRecord(err)
	}
	log.Debug().Str("time", m.Time).Str("path", m.Path).Msg("boot metrics")
	return m.Record()
}
