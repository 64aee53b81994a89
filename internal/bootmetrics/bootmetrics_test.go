package bootmetrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/CK6170/loadstone-relay/internal/device"
	"github.com/CK6170/loadstone-relay/models"
	"github.com/CK6170/loadstone-relay/serial"
	"github.com/CK6170/loadstone-relay/serial/serialtest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Metrics
		wantErr bool
	}{
		{name: "reference reply", in: "ok\n* Boot process took 42 milliseconds.\n* ROM\n", want: Metrics{Time: "42", Path: "ROM"}},
		{name: "crlf", in: "[Boot Metrics]\r\n* Boot process took 7 milliseconds.\r\n* Restored from bank 2\r\n", want: Metrics{Time: "7", Path: "Restored from bank 2"}},
		{name: "path first", in: "[Boot Metrics]\n* Direct\n* Boot process took 12 milliseconds.\n", want: Metrics{Time: "12", Path: "Direct"}},
		{name: "no metrics", in: NoMetricsMessage + "\n", want: Metrics{Time: Unknown, Path: Unknown}},
		{name: "missing suffix", in: "ok\n* Boot process took 42 ms\n* ROM\n", wantErr: true},
		{name: "missing path prefix", in: "ok\n* Boot process took 42 milliseconds.\nROM\n", wantErr: true},
		{name: "empty path", in: "ok\n* Boot process took 42 milliseconds.\n* \n", wantErr: true},
		{name: "short", in: "ok\n* Boot process took 42 milliseconds.\n", wantErr: true},
		{name: "empty", in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestClassify(t *testing.T) {
	require.Equal(t, models.MetricsErrorNone, Classify(nil))
	require.Equal(t, models.MetricsErrorInternal, Classify(device.ErrNoDevicePath))
	require.Equal(t, models.MetricsErrorDevice, Classify(device.ErrBusy))
	require.Equal(t, models.MetricsErrorDevice, Classify(device.ErrUnavailable))
	require.Equal(t, models.MetricsErrorMetrics, Classify(ErrMalformed))
	require.Equal(t, models.MetricsErrorIO, Classify(serial.ErrTimeout))
	require.Equal(t, models.MetricsErrorIO, Classify(errors.New("write failed")))
}

func answering(reply string) device.Opener {
	return func(string) (serial.Port, error) {
		p := serialtest.NewPort()
		p.OnWrite = func(b []byte) {
			if string(b) == Command {
				p.FeedString(reply)
			}
		}
		return p, nil
	}
}

func TestFetcher(t *testing.T) {
	m := device.NewManager("/dev/ttyACM0", answering("metrics\r\n* Boot process took 42 milliseconds.\r\n* ROM\r\n"), zerolog.Nop())
	f := &Fetcher{Devices: m, Timeout: time.Second}

	rec := f.Fetch(context.Background())
	require.Equal(t, models.MetricsRecord{Error: models.MetricsErrorNone, Time: "42", Path: "ROM"}, rec)
	_, held := m.Active()
	require.False(t, held, "device must be released after the request")
}

func TestFetcherClassifiesFailures(t *testing.T) {
	t.Run("busy", func(t *testing.T) {
		m := device.NewManager("/dev/ttyACM0", answering(""), zerolog.Nop())
		s, err := m.Acquire(device.KindUpload)
		require.NoError(t, err)
		defer s.Release()

		rec := (&Fetcher{Devices: m}).Fetch(context.Background())
		require.Equal(t, models.MetricsErrorDevice, rec.Error)
		require.Empty(t, rec.Time)
		require.Empty(t, rec.Path)
	})
	t.Run("no path", func(t *testing.T) {
		m := device.NewManager("", answering(""), zerolog.Nop())
		rec := (&Fetcher{Devices: m}).Fetch(context.Background())
		require.Equal(t, models.MetricsErrorInternal, rec.Error)
	})
	t.Run("silent device", func(t *testing.T) {
		m := device.NewManager("/dev/ttyACM0", answering(""), zerolog.Nop())
		rec := (&Fetcher{Devices: m, Timeout: 50 * time.Millisecond}).Fetch(context.Background())
		require.Equal(t, models.MetricsErrorIO, rec.Error)
		_, held := m.Active()
		require.False(t, held)
	})
	t.Run("garbage", func(t *testing.T) {
		m := device.NewManager("/dev/ttyACM0", answering("a\nb\nc\n"), zerolog.Nop())
		rec := (&Fetcher{Devices: m, Timeout: time.Second}).Fetch(context.Background())
		require.Equal(t, models.MetricsErrorMetrics, rec.Error)
	})
	t.Run("write error", func(t *testing.T) {
		m := device.NewManager("/dev/ttyACM0", func(string) (serial.Port, error) {
			p := serialtest.NewPort()
			p.WriteErr = errors.New("unplugged")
			return p, nil
		}, zerolog.Nop())
		rec := (&Fetcher{Devices: m, Timeout: time.Second}).Fetch(context.Background())
		require.Equal(t, models.MetricsErrorIO, rec.Error)
	})
}

func TestFetchStopsOnNoMetricsMessage(t *testing.T) {
	p := serialtest.NewPort()
	p.FeedString(NoMetricsMessage + "\r\n")
	tr := serial.NewTransport(p)

	got, err := Fetch(context.Background(), tr, 200*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, Metrics{Time: Unknown, Path: Unknown}, got)
}
