package emulator

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/CK6170/loadstone-relay/internal/bootmetrics"
	"github.com/CK6170/loadstone-relay/internal/upload"
	"github.com/CK6170/loadstone-relay/internal/xmodem"
	"github.com/CK6170/loadstone-relay/models"
	"github.com/CK6170/loadstone-relay/serial"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type nopReporter struct{ acks []upload.Ack }

func (r *nopReporter) Acknowledged(a upload.Ack)       { r.acks = append(r.acks, a) }
func (r *nopReporter) Notify(models.UploadProgress) {}

func TestMetricsCommand(t *testing.T) {
	d := New(Options{BootPath: "ROM", BootTime: 42}, zerolog.Nop())
	tr := serial.NewTransport(NewPort(d))

	m, err := bootmetrics.Fetch(context.Background(), tr, time.Second)
	require.NoError(t, err)
	require.Equal(t, bootmetrics.Metrics{Time: "42", Path: "ROM"}, m)
	require.Equal(t, "> ", string(tr.Flush()))
}

func TestMetricsCommandWithoutMetrics(t *testing.T) {
	d := New(Options{NoMetrics: true}, zerolog.Nop())
	m, err := bootmetrics.Fetch(context.Background(), serial.NewTransport(NewPort(d)), time.Second)
	require.NoError(t, err)
	require.Equal(t, bootmetrics.Unknown, m.Time)
}

func TestUnknownCommand(t *testing.T) {
	d := New(Options{}, zerolog.Nop())
	require.Equal(t, "Unknown command \"boot\"\r\n> ", string(d.Process([]byte("boot now\n"))))
	require.Equal(t, "> ", string(d.Process([]byte("\r\n"))))
}

func TestReopenResetsAbandonedUpload(t *testing.T) {
	d := New(Options{BootPath: "ROM", BootTime: 42}, zerolog.Nop())
	require.Empty(t, d.Process(upload.HeadPacket(2*upload.ChunkSize)))
	require.Empty(t, d.Process(make([]byte, 64)))

	_, err := Opener(d)("/dev/ttyEMU0")
	require.NoError(t, err)

	out := string(d.Process([]byte("metrics\n")))
	require.Contains(t, out, "[Boot Metrics]")
	require.Empty(t, d.Images())
}

func runUpload(t *testing.T, d *Device, link func(*serial.Transport) upload.Link, payload []byte) (upload.Result, *nopReporter) {
	t.Helper()
	tr := serial.NewTransport(NewPort(d))
	rep := &nopReporter{}
	s := &upload.Session{
		Link:              link(tr),
		Reporter:          rep,
		Log:               zerolog.Nop(),
		AckTimeout:        time.Second,
		CompletionTimeout: time.Second,
	}
	return s.Run(context.Background(), payload), rep
}

func direct(tr *serial.Transport) upload.Link { return &upload.DirectLink{Conn: tr} }

func TestDirectUpload(t *testing.T) {
	for _, size := range []int{0, 1, 128, 129, 1000} {
		d := New(Options{}, zerolog.Nop())
		payload := bytes.Repeat([]byte{0x5A}, size)

		res, rep := runUpload(t, d, direct, payload)
		require.Equal(t, upload.StateDone, res.Transfer.State, "size %d: %v", size, res.Err)
		require.Equal(t, [][]byte{payload}, d.Images(), "size %d", size)
		require.Equal(t, upload.AckDone, rep.acks[len(rep.acks)-1])
	}
}

func TestDirectUploadWithCommand(t *testing.T) {
	d := New(Options{}, zerolog.Nop())
	payload := bytes.Repeat([]byte{1, 2, 3}, 100)
	res, _ := runUpload(t, d, func(tr *serial.Transport) upload.Link {
		return &upload.DirectLink{Conn: tr, Command: "upload\n"}
	}, payload)
	require.Equal(t, upload.StateDone, res.Transfer.State)
	require.Equal(t, payload, d.Images()[0])
}

func TestDirectUploadFailure(t *testing.T) {
	d := New(Options{FailAt: 2}, zerolog.Nop())
	res, rep := runUpload(t, d, direct, make([]byte, 1000))
	require.Equal(t, upload.StateFailed, res.Transfer.State)
	require.ErrorIs(t, res.Err, upload.ErrDeviceFailure)
	require.Equal(t, 2*upload.ChunkSize, res.Transfer.Sent)
	require.Equal(t, []upload.Ack{upload.AckNext, upload.AckFail}, rep.acks)
	require.Empty(t, d.Images())
}

func TestXModemUpload(t *testing.T) {
	d := New(Options{}, zerolog.Nop())
	payload := bytes.Repeat([]byte("loadstone"), 50)
	res, _ := runUpload(t, d, func(tr *serial.Transport) upload.Link {
		l := upload.NewXModemLink(tr, xmodem.DefaultBank)
		l.Sender.ResponseTimeout = time.Second
		return l
	}, payload)
	require.Equal(t, upload.StateDone, res.Transfer.State, "err: %v", res.Err)
	img := d.Images()[0]
	require.Equal(t, payload, img[:len(payload)])
	require.Len(t, img, int(upload.ChunkCount(len(payload)))*xmodem.PayloadSize)
}

func TestServe(t *testing.T) {
	host, dev := net.Pipe()
	defer host.Close()
	d := New(Options{BootPath: "ROM"}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx, dev) }()

	_, err := host.Write([]byte("help\n"))
	require.NoError(t, err)
	buf := make([]byte, 256)
	require.NoError(t, host.SetReadDeadline(time.Now().Add(time.Second)))
	n, err := host.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), "Commands:")

	require.NoError(t, dev.Close())
	require.Error(t, <-done)
}
