// Package terminal relays an interactive console between a WebSocket client
// and the device.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/CK6170/loadstone-relay/internal/bootmetrics"
	"github.com/CK6170/loadstone-relay/models"
	"github.com/CK6170/loadstone-relay/serial"
	"github.com/rs/zerolog"
)

// State is the lifecycle of a Relay.
type State int

const (
	StateWaitingForConnection State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateWaitingForConnection:
		return "waiting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrClientClosed ends a relay when the client goes away.
	ErrClientClosed = errors.New("client closed the terminal")

	// ErrRelayClosed is returned by Run on a relay that already ran.
	ErrRelayClosed = errors.New("terminal relay already closed")
)

// Device is the part of a device session the relay uses.
type Device interface {
	Write(ctx context.Context, b []byte) error
	ReadRawLine(ctx context.Context, timeout time.Duration) ([]byte, error)
	Flush() []byte
}

// Client is the browser side of the relay.
type Client interface {
	// ReadMessage blocks for the next client message.
	ReadMessage() (messageType int, p []byte, err error)
	// SendOutput delivers device output verbatim.
	SendOutput(p []byte) error
	// SendEvent delivers a structured message.
	SendEvent(ev models.Event) error
}

// Relay is one terminal session. It is single use.
type Relay struct {
	Device     Device
	Client     Client
	Log        zerolog.Logger
	Transcript *Transcript

	PollInterval   time.Duration
	MetricsTimeout time.Duration

	mu    sync.Mutex
	state State
}

func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Relay) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Run pumps data both ways until the client disconnects, the device fails or
// ctx ends. A client disconnect returns nil.
func (r *Relay) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateWaitingForConnection {
		r.mu.Unlock()
		return ErrRelayClosed
	}
	r.state = StateOpen
	r.mu.Unlock()
	defer r.setState(StateClosed)

	if r.Transcript == nil {
		r.Transcript = NewTranscript(0)
	}
	poll := r.PollInterval
	if poll <= 0 {
		poll = serial.DefaultPollInterval
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	armed := make(chan struct{}, 1)
	go r.pumpClient(ctx, cancel, armed)

	var capture *metricsCapture
	for {
		select {
		case <-armed:
			capture = r.newCapture()
		default:
		}
		if ctx.Err() != nil {
			break
		}

		line, err := r.Device.ReadRawLine(ctx, poll)
		if err != nil {
			if errors.Is(err, serial.ErrTimeout) {
				if partial := r.Device.Flush(); len(partial) > 0 {
					r.output(cancel, partial)
				}
				if capture != nil && capture.expired() {
					r.sendMetrics(cancel, capture.failure())
					capture = nil
				}
				continue
			}
			if ctx.Err() == nil {
				cancel(err)
			}
			break
		}
		select {
		case <-armed:
			capture = r.newCapture()
		default:
		}
		r.output(cancel, line)
		if capture != nil {
			if rec, ok := capture.add(string(line)); ok {
				r.sendMetrics(cancel, rec)
				capture = nil
			}
		}
	}

	err := context.Cause(ctx)
	r.Log.Info().
		Int64("transcript_bytes", r.Transcript.Total()).
		AnErr("cause", err).
		Msg("terminal closed")
	if errors.Is(err, ErrClientClosed) {
		return nil
	}
	return err
}

func (r *Relay) pumpClient(ctx context.Context, cancel context.CancelCauseFunc, armed chan<- struct{}) {
	for {
		_, p, err := r.Client.ReadMessage()
		if err != nil {
			cancel(ErrClientClosed)
			return
		}
		if len(p) == 0 {
			continue
		}
		_, _ = r.Transcript.Write(p)
		if string(p) == bootmetrics.Command {
			select {
			case armed <- struct{}{}:
			default:
			}
		}
		if err := r.Device.Write(ctx, p); err != nil {
			cancel(err)
			return
		}
	}
}

func (r *Relay) output(cancel context.CancelCauseFunc, p []byte) {
	_, _ = r.Transcript.Write(p)
	if err := r.Client.SendOutput(p); err != nil {
		cancel(ErrClientClosed)
	}
}

func (r *Relay) sendMetrics(cancel context.CancelCauseFunc, rec models.MetricsRecord) {
	r.Log.Debug().Str("error", string(rec.Error)).Str("time", rec.Time).Str("path", rec.Path).Msg("terminal metrics")
	if err := r.Client.SendEvent(models.Event{Type: models.EventMetrics, Data: rec}); err != nil {
		cancel(ErrClientClosed)
	}
}

func (r *Relay) newCapture() *metricsCapture {
	timeout := r.MetricsTimeout
	if timeout <= 0 {
		timeout = bootmetrics.DefaultTimeout
	}
	return &metricsCapture{deadline: time.Now().Add(timeout)}
}

// metricsCapture watches device output after a "metrics" command for a reply
// that parses. Echoed input and stray lines before the reply are tolerated.
type metricsCapture struct {
	deadline time.Time
	lines    []string
}

func (c *metricsCapture) add(line string) (models.MetricsRecord, bool) {
	if strings.Contains(line, bootmetrics.NoMetricsMessage) {
		return bootmetrics.Metrics{Time: bootmetrics.Unknown, Path: bootmetrics.Unknown}.Record(), true
	}
	c.lines = append(c.lines, line)
	if len(c.lines) < bootmetrics.ReplyLines {
		return models.MetricsRecord{}, false
	}
	m, err := bootmetrics.ParseLines(c.lines[len(c.lines)-bootmetrics.ReplyLines:])
	if err != nil {
		return models.MetricsRecord{}, false
	}
	return m.Record(), true
}

func (c *metricsCapture) expired() bool { return !time.Now().Before(c.deadline) }

func (c *metricsCapture) failure() models.MetricsRecord {
	if len(c.lines) >= bootmetrics.ReplyLines {
		return models.MetricsRecord{Error: models.MetricsErrorMetrics}
	}
	return models.MetricsRecord{Error: models.MetricsErrorIO}
}
