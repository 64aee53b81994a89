package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CK6170/loadstone-relay/models"
	"github.com/CK6170/loadstone-relay/serial"
	"github.com/rs/zerolog"
)

const (
	DefaultAckTimeout        = 10 * time.Second
	DefaultCompletionTimeout = 30 * time.Second
)

// Reporter receives what the client is told about the transfer.
type Reporter interface {
	// Acknowledged relays a valid device acknowledgement.
	Acknowledged(ack Ack)
	// Notify sends a progress notification. A non-empty Error is final.
	Notify(p models.UploadProgress)
}

// Session runs one transfer over a Link.
type Session struct {
	Link     Link
	Reporter Reporter
	Log      zerolog.Logger

	AckTimeout        time.Duration
	CompletionTimeout time.Duration
}

// Result is the outcome of Run.
type Result struct {
	Transfer  Transfer
	Latencies []time.Duration
	Stats     Stats
	Err       error
}

// Run sends payload and returns once the transfer is Done or Failed. A
// context canceled with a cause (for example ErrConnectionClosed) fails the
// transfer with that cause.
func (s *Session) Run(ctx context.Context, payload []byte) Result {
	tr := NewTransfer(len(payload))
	return s.run(ctx, tr, func() ([]byte, error) {
		return tr.NextChunk(payload)
	})
}

// Source supplies the chunks of a streamed upload one at a time.
type Source interface {
	NextChunk(ctx context.Context) ([]byte, error)
}

// Stream runs a transfer whose chunks are pulled from src as the device asks
// for them. The first chunk is requested with NEXT once the head is on the
// device; after that every device acknowledgement paces the client.
func (s *Session) Stream(ctx context.Context, count uint32, src Source) Result {
	tr := NewStreamTransfer(count)
	requested := count == 0
	return s.run(ctx, tr, func() ([]byte, error) {
		if !requested {
			s.Reporter.Acknowledged(AckNext)
			requested = true
		}
		chunk, err := src.NextChunk(ctx)
		if err != nil {
			return nil, err
		}
		if err := tr.Accept(chunk); err != nil {
			return nil, err
		}
		return chunk, nil
	})
}

func (s *Session) run(ctx context.Context, tr *Transfer, next func() ([]byte, error)) Result {
	ackTimeout := s.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	completionTimeout := s.CompletionTimeout
	if completionTimeout <= 0 {
		completionTimeout = DefaultCompletionTimeout
	}

	var latencies []time.Duration

	finish := func(err error) Result {
		if err != nil {
			tr.Abort(cause(ctx, err))
		}
		res := Result{Transfer: *tr, Latencies: latencies, Stats: Summarize(latencies), Err: tr.Err}
		if tr.State == StateDone {
			s.Reporter.Notify(models.UploadProgress{Progress: 1})
			s.Log.Info().
				Int("bytes", tr.Total).
				Int("chunks", res.Stats.Chunks).
				Dur("ack_mean", res.Stats.Mean).
				Dur("ack_stddev", res.Stats.StdDev).
				Dur("ack_max", res.Stats.Max).
				Msg("upload done")
			return res
		}
		s.Reporter.Notify(models.UploadProgress{Progress: tr.Progress(), Error: Message(tr.Err)})
		s.Log.Warn().Err(tr.Err).Int("sent", tr.Sent).Int("bytes", tr.Total).Msg("upload failed")
		return res
	}

	if _, err := tr.Head(); err != nil {
		return finish(err)
	}
	count := ChunkCount(tr.Total)
	s.Log.Debug().Int("bytes", tr.Total).Uint32("chunks", count).Msg("sending head packet")
	if err := s.Link.SendHead(ctx, count); err != nil {
		return finish(err)
	}

	var completionDeadline time.Time
	for !tr.Complete() {
		timeout := ackTimeout
		sentChunk := false
		if tr.Exhausted() {
			if completionDeadline.IsZero() {
				completionDeadline = time.Now().Add(completionTimeout)
			}
			timeout = time.Until(completionDeadline)
			if timeout <= 0 {
				return finish(fmt.Errorf("%w: device did not finish within %s", serial.ErrTimeout, completionTimeout))
			}
			if err := tr.AwaitCompletion(); err != nil {
				return finish(err)
			}
		} else {
			chunk, err := next()
			if err != nil {
				return finish(err)
			}
			if err := s.Link.SendChunk(ctx, chunk); err != nil {
				return finish(err)
			}
			sentChunk = true
		}

		start := time.Now()
		resp, err := s.Link.ReadAck(ctx, timeout)
		if err != nil {
			return finish(err)
		}
		if sentChunk {
			latencies = append(latencies, time.Since(start))
		}
		ack, err := tr.Acknowledge(resp)
		if err != nil && ack == 0 {
			s.Log.Warn().Hex("response", resp).Msg("unexpected device response")
			return finish(nil)
		}
		s.Reporter.Acknowledged(ack)
		if ack == AckNext && sentChunk {
			s.Reporter.Notify(models.UploadProgress{Progress: tr.Progress()})
		}
	}
	return finish(nil)
}

// Message is the client-facing text for err. Protocol errors are reported
// by their bare name.
func Message(err error) string {
	for _, known := range []error{ErrUnknownResponse, ErrDeviceFailure, ErrConnectionClosed} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return err.Error()
}

// cause prefers the cancellation cause over the bare context error.
func cause(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		if c := context.Cause(ctx); c != nil {
			return c
		}
	}
	return err
}
