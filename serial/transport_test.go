package serial_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CK6170/loadstone-relay/serial"
	"github.com/CK6170/loadstone-relay/serial/serialtest"
)

func TestReadLineSplitsAndKeepsRemainder(t *testing.T) {
	port := serialtest.NewPort()
	tr := serial.NewTransport(port)
	port.FeedString("first\r\nsecond\npart")

	ctx := context.Background()
	line, err := tr.ReadLine(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, "first", line)

	raw, err := tr.ReadRawLine(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, "second\n", string(raw))

	_, err = tr.ReadLine(ctx, 50*time.Millisecond)
	require.ErrorIs(t, err, serial.ErrTimeout)
	require.ErrorIs(t, err, serial.ErrIO)
	require.Equal(t, "part", string(tr.Flush()))
}

func TestReadLineAcrossReads(t *testing.T) {
	port := serialtest.NewPort()
	tr := serial.NewTransport(port)
	go func() {
		port.FeedString("> met")
		time.Sleep(20 * time.Millisecond)
		port.FeedString("rics\n")
	}()
	line, err := tr.ReadLine(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, "> metrics", line)
}

func TestReadExact(t *testing.T) {
	port := serialtest.NewPort()
	tr := serial.NewTransport(port)
	port.Feed([]byte{1, 2, 3})

	b, err := tr.ReadExact(context.Background(), 2, time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2}, b)

	_, err = tr.ReadExact(context.Background(), 2, 30*time.Millisecond)
	require.ErrorIs(t, err, serial.ErrTimeout)

	port.Feed([]byte{4})
	b, err = tr.ReadExact(context.Background(), 2, time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte{3, 4}, b)
}

func TestReadResponseReturnsFirstRead(t *testing.T) {
	port := serialtest.NewPort()
	tr := serial.NewTransport(port)
	port.Feed([]byte{0x11, 0x33})

	b, err := tr.ReadResponse(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte{0x11, 0x33}, b)
}

func TestReadAvailableMayBeEmpty(t *testing.T) {
	port := serialtest.NewPort()
	tr := serial.NewTransport(port)

	b, err := tr.ReadAvailable(context.Background(), 30*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, b)

	port.FeedString("abc")
	b, err = tr.ReadAvailable(context.Background(), 30*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "abc", string(b))
}

func TestReadHonoursContext(t *testing.T) {
	port := serialtest.NewPort()
	tr := serial.NewTransport(port)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tr.ReadLine(ctx, time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestDriverErrorsAreIO(t *testing.T) {
	port := serialtest.NewPort()
	tr := serial.NewTransport(port)
	port.FailReads(errors.New("device unplugged"))

	_, err := tr.ReadLine(context.Background(), time.Second)
	require.ErrorIs(t, err, serial.ErrIO)
	require.NotErrorIs(t, err, serial.ErrTimeout)

	port.WriteErr = errors.New("broken pipe")
	err = tr.WriteString(context.Background(), "metrics\n")
	require.ErrorIs(t, err, serial.ErrIO)
}

func TestCloseIsIdempotent(t *testing.T) {
	port := serialtest.NewPort()
	tr := serial.NewTransport(port)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	require.True(t, port.Closed())
}
