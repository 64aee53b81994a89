package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/CK6170/loadstone-relay/internal/config"
	"github.com/CK6170/loadstone-relay/internal/device"
	"github.com/CK6170/loadstone-relay/internal/observability"
	"github.com/CK6170/loadstone-relay/internal/terminal"
	"github.com/CK6170/loadstone-relay/internal/upload"
	"github.com/CK6170/loadstone-relay/models"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// upgrader upgrades HTTP requests to WebSockets.
//
// Security note: CheckOrigin returns true to keep local development frictionless.
// This is acceptable for a local single-user tool, but should be restricted if
// the server is ever exposed beyond localhost.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// local app; allow all
		return true
	},
}

// busyMessage is what clients are told when another session holds the device.
const busyMessage = "device busy"

func errorText(err error) string {
	if errors.Is(err, device.ErrBusy) {
		return busyMessage
	}
	return upload.Message(err)
}

// handleWSEvents streams session and device presence events.
//
// Incoming messages are ignored; the read loop exists to detect client
// disconnects and trigger cleanup.
func (s *Server) handleWSEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := s.events.Add(conn)
	if info, ok := s.devices.Active(); ok {
		_ = client.Send(models.Event{Type: models.EventSessionStarted, Data: info})
	}

	// Keep reading until client disconnects
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.events.Remove(client)
			return
		}
	}
}

// acquire takes the device for kind or tells the client why it cannot.
func (s *Server) acquire(client *WSClient, kind device.Kind, notify func(msg string)) (*device.Session, bool) {
	sess, err := s.devices.Acquire(kind)
	if err == nil {
		s.events.Broadcast(models.Event{Type: models.EventSessionStarted, Data: sess.Info()})
		return sess, true
	}
	msg := errorText(err)
	if errors.Is(err, device.ErrBusy) {
		observability.RecordBusy(string(kind))
	} else {
		s.log.Warn().Err(err).Str("kind", string(kind)).Msg("acquire device")
	}
	notify(msg)
	client.Close(websocket.CloseTryAgainLater, msg)
	return nil, false
}

func (s *Server) release(sess *device.Session, outcome string, err error) {
	sess.Release()
	observability.RecordSession(string(sess.Kind), outcome)
	data := models.SessionEndedData{SessionInfo: sess.Info(), Outcome: outcome}
	if err != nil {
		data.Error = errorText(err)
	}
	s.events.Broadcast(models.Event{Type: models.EventSessionEnded, Data: data})
}

// handleSerial relays an interactive console between the client and the
// device until either side goes away.
func (s *Server) handleSerial(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := NewWSClient(conn)
	sess, ok := s.acquire(client, device.KindTerminal, func(msg string) {
		_ = client.SendEvent(models.Event{Type: models.EventError, Data: models.ErrorData{Error: msg}})
	})
	if !ok {
		return
	}

	relay := &terminal.Relay{
		Device:         sess,
		Client:         client,
		Log:            sess.Logger(),
		Transcript:     terminal.NewTranscript(s.cfg.TranscriptSize),
		PollInterval:   s.cfg.PollInterval,
		MetricsTimeout: s.cfg.MetricsTimeout,
	}
	err = relay.Run(r.Context())
	if err != nil {
		_ = client.SendEvent(models.Event{Type: models.EventError, Data: models.ErrorData{Error: errorText(err)}})
		s.release(sess, "failed", err)
		client.Close(websocket.CloseInternalServerErr, "device error")
		return
	}
	s.release(sess, "closed", nil)
	client.Close(websocket.CloseNormalClosure, "")
}

// handleUpload streams an image from the client to the device.
//
// After the head packet the client is sent NEXT and answers with one chunk;
// from then on every device acknowledgement is relayed to the client, so the
// client never runs ahead of the device. A client that sends everything
// without waiting works too: its frames queue on the socket.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := NewWSClient(conn)
	sess, ok := s.acquire(client, device.KindUpload, func(msg string) {
		_ = client.Send(models.UploadProgress{Error: msg})
	})
	if !ok {
		return
	}
	log := sess.Logger()

	ctx, cancel := context.WithCancelCause(r.Context())
	defer cancel(nil)
	src := upload.NewClientSource(client, s.cfg.ClientTimeout, func(error) {
		cancel(upload.ErrConnectionClosed)
	})
	defer src.Close()

	count, err := src.Head(ctx, s.cfg.MaxImageSize)
	if err != nil {
		log.Warn().Err(err).Msg("receive head packet")
		_ = client.Send(models.UploadProgress{Error: upload.Message(err)})
		s.release(sess, "failed", err)
		client.Close(websocket.ClosePolicyViolation, "invalid upload")
		return
	}

	session := &upload.Session{
		Link:              s.uploadLink(sess),
		Reporter:          &wsReporter{client: client, log: log},
		Log:               log,
		AckTimeout:        s.cfg.AckTimeout,
		CompletionTimeout: s.cfg.CompletionTimeout,
	}
	res := session.Stream(ctx, count, src)
	for _, d := range res.Latencies {
		observability.RecordAckLatency(d)
	}
	observability.RecordUploadBytes(res.Transfer.Sent)

	if res.Transfer.State == upload.StateDone {
		s.release(sess, "done", nil)
		client.Close(websocket.CloseNormalClosure, "")
		return
	}
	s.release(sess, "failed", res.Err)
	client.Close(websocket.CloseNormalClosure, upload.Message(res.Err))
}

func (s *Server) uploadLink(sess *device.Session) upload.Link {
	if s.cfg.UploadProtocol == config.ProtocolXModem {
		l := upload.NewXModemLink(sess, s.cfg.XModemBank)
		l.Sender.ResponseTimeout = s.cfg.AckTimeout
		return l
	}
	return &upload.DirectLink{Conn: sess, Command: s.cfg.UploadCommand}
}

// wsReporter relays the upload to the client: acks as single-byte binary
// messages, progress as JSON text messages.
type wsReporter struct {
	client *WSClient
	log    zerolog.Logger
}

func (r *wsReporter) Acknowledged(ack upload.Ack) {
	if err := r.client.SendBinary([]byte{byte(ack)}); err != nil {
		r.log.Debug().Err(err).Stringer("ack", ack).Msg("relay ack")
	}
}

func (r *wsReporter) Notify(p models.UploadProgress) {
	if err := r.client.Send(p); err != nil {
		r.log.Debug().Err(err).Float64("progress", p.Progress).Msg("relay progress")
	}
}
