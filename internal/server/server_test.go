package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/CK6170/loadstone-relay/internal/config"
	"github.com/CK6170/loadstone-relay/internal/device"
	"github.com/CK6170/loadstone-relay/internal/emulator"
	"github.com/CK6170/loadstone-relay/internal/upload"
	"github.com/CK6170/loadstone-relay/models"
	"github.com/CK6170/loadstone-relay/serial"
	"github.com/CK6170/loadstone-relay/serial/serialtest"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Device = "/dev/ttyEMU0"
	cfg.Web = t.TempDir()
	cfg.PollInterval = 20 * time.Millisecond
	cfg.MetricsTimeout = 500 * time.Millisecond
	cfg.AckTimeout = time.Second
	cfg.CompletionTimeout = time.Second
	return cfg
}

func newTestServer(t *testing.T, cfg config.Config, open device.Opener) (*Server, *httptest.Server) {
	t.Helper()
	s := New(Options{Config: cfg, Opener: open, Logger: zerolog.Nop(), Version: "1.2.3"})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func getJSON(t *testing.T, url string, v interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

// nextAck reads messages until a binary ack arrives and returns it.
func nextAck(t *testing.T, conn *websocket.Conn) upload.Ack {
	t.Helper()
	for {
		mt, p, err := conn.ReadMessage()
		require.NoError(t, err)
		if mt == websocket.BinaryMessage {
			require.Len(t, p, 1)
			return upload.Ack(p[0])
		}
	}
}

func sendImage(t *testing.T, conn *websocket.Conn, payload []byte) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, upload.HeadPacket(len(payload))))
	for _, c := range upload.Chunks(payload) {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, c))
	}
}

// readUpload collects acks and notifications until the server closes.
func readUpload(t *testing.T, conn *websocket.Conn) ([]upload.Ack, []models.UploadProgress) {
	t.Helper()
	var (
		acks  []upload.Ack
		notes []models.UploadProgress
	)
	for {
		mt, p, err := conn.ReadMessage()
		if err != nil {
			require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseTryAgainLater), "unexpected error: %v", err)
			return acks, notes
		}
		switch mt {
		case websocket.BinaryMessage:
			require.Len(t, p, 1)
			acks = append(acks, upload.Ack(p[0]))
		case websocket.TextMessage:
			var n models.UploadProgress
			require.NoError(t, json.Unmarshal(p, &n))
			notes = append(notes, n)
		}
	}
}

func TestAPIRoutes(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Web, "index.html"), []byte("<h1>loadstone</h1>"), 0o644))
	_, ts := newTestServer(t, cfg, emulator.Opener(emulator.New(emulator.Options{}, zerolog.Nop())))

	var health HealthResponse
	require.Equal(t, 200, getJSON(t, ts.URL+"/api/health", &health))
	require.True(t, health.OK)

	resp, err := http.Get(ts.URL + "/api/server-version")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, "1.2.3", string(body))

	var status StatusResponse
	require.Equal(t, 200, getJSON(t, ts.URL+"/api/status", &status))
	require.Equal(t, "/dev/ttyEMU0", status.Device)
	require.Nil(t, status.Session)

	var apiErr APIError
	require.Equal(t, 404, getJSON(t, ts.URL+"/api/nope", &apiErr))

	resp, err = http.Get(ts.URL + "/")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	require.Contains(t, string(body), "loadstone")

	resp, err = http.Get(ts.URL + "/missing.js")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, 404, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	dev := emulator.New(emulator.Options{BootPath: "ROM", BootTime: 42}, zerolog.Nop())
	_, ts := newTestServer(t, testConfig(t), emulator.Opener(dev))

	var rec map[string]string
	require.Equal(t, 200, getJSON(t, ts.URL+"/api/metrics", &rec))
	require.Equal(t, map[string]string{"error": "none", "time": "42", "path": "ROM"}, rec)
}

func TestMetricsEndpointErrors(t *testing.T) {
	t.Run("no device path", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Device = ""
		_, ts := newTestServer(t, cfg, nil)
		var rec models.MetricsRecord
		getJSON(t, ts.URL+"/api/metrics", &rec)
		require.Equal(t, models.MetricsErrorInternal, rec.Error)
	})
	t.Run("busy", func(t *testing.T) {
		s, ts := newTestServer(t, testConfig(t), emulator.Opener(emulator.New(emulator.Options{}, zerolog.Nop())))
		sess, err := s.Devices().Acquire(device.KindUpload)
		require.NoError(t, err)
		defer sess.Release()

		var rec models.MetricsRecord
		getJSON(t, ts.URL+"/api/metrics", &rec)
		require.Equal(t, models.MetricsRecord{Error: models.MetricsErrorDevice}, rec)
	})
	t.Run("silent device", func(t *testing.T) {
		_, ts := newTestServer(t, testConfig(t), func(string) (serial.Port, error) {
			return serialtest.NewPort(), nil
		})
		var rec models.MetricsRecord
		getJSON(t, ts.URL+"/api/metrics", &rec)
		require.Equal(t, models.MetricsErrorIO, rec.Error)
	})
}

func TestUploadDone(t *testing.T) {
	dev := emulator.New(emulator.Options{}, zerolog.Nop())
	s, ts := newTestServer(t, testConfig(t), emulator.Opener(dev))
	payload := bytes.Repeat([]byte{0xC3}, 3*upload.ChunkSize+17)

	conn := dial(t, ts, "/upload")
	sendImage(t, conn, payload)
	acks, notes := readUpload(t, conn)

	require.Equal(t, []upload.Ack{upload.AckNext, upload.AckNext, upload.AckNext, upload.AckNext, upload.AckDone}, acks)
	require.Equal(t, models.UploadProgress{Progress: 1}, notes[len(notes)-1])
	require.Equal(t, [][]byte{payload}, dev.Images())
	require.Eventually(t, func() bool { _, held := s.Devices().Active(); return !held }, time.Second, 10*time.Millisecond)
}

func TestUploadZeroLength(t *testing.T) {
	dev := emulator.New(emulator.Options{}, zerolog.Nop())
	_, ts := newTestServer(t, testConfig(t), emulator.Opener(dev))

	conn := dial(t, ts, "/upload")
	sendImage(t, conn, nil)
	acks, notes := readUpload(t, conn)
	require.Equal(t, []upload.Ack{upload.AckDone}, acks)
	require.Equal(t, []models.UploadProgress{{Progress: 1}}, notes)
}

func TestUploadDeviceFailure(t *testing.T) {
	dev := emulator.New(emulator.Options{FailAt: 2}, zerolog.Nop())
	s, ts := newTestServer(t, testConfig(t), emulator.Opener(dev))

	conn := dial(t, ts, "/upload")
	sendImage(t, conn, make([]byte, 5*upload.ChunkSize))
	acks, notes := readUpload(t, conn)

	require.Equal(t, []upload.Ack{upload.AckNext, upload.AckNext, upload.AckFail}, acks)
	last := notes[len(notes)-1]
	require.Equal(t, "device reported failure", last.Error)
	require.InDelta(t, 0.4, last.Progress, 1e-9)
	require.Eventually(t, func() bool { _, held := s.Devices().Active(); return !held }, time.Second, 10*time.Millisecond)
}

func TestUploadInvalidHead(t *testing.T) {
	_, ts := newTestServer(t, testConfig(t), emulator.Opener(emulator.New(emulator.Options{}, zerolog.Nop())))

	conn := dial(t, ts, "/upload")
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2}))
	_, p, err := conn.ReadMessage()
	require.NoError(t, err)
	var n models.UploadProgress
	require.NoError(t, json.Unmarshal(p, &n))
	require.Contains(t, n.Error, "invalid head packet")
}

func TestUploadXModem(t *testing.T) {
	dev := emulator.New(emulator.Options{}, zerolog.Nop())
	cfg := testConfig(t)
	cfg.UploadProtocol = config.ProtocolXModem
	_, ts := newTestServer(t, cfg, emulator.Opener(dev))
	payload := bytes.Repeat([]byte("image"), 60)

	conn := dial(t, ts, "/upload")
	sendImage(t, conn, payload)
	acks, notes := readUpload(t, conn)

	require.Equal(t, upload.AckDone, acks[len(acks)-1])
	require.Equal(t, models.UploadProgress{Progress: 1}, notes[len(notes)-1])
	require.Equal(t, payload, dev.Images()[0][:len(payload)])
}

func TestSecondSessionIsRejected(t *testing.T) {
	s, ts := newTestServer(t, testConfig(t), emulator.Opener(emulator.New(emulator.Options{}, zerolog.Nop())))
	held, err := s.Devices().Acquire(device.KindUpload)
	require.NoError(t, err)
	defer held.Release()

	serialConn := dial(t, ts, "/serial")
	_, p, err := serialConn.ReadMessage()
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"error","data":{"error":"device busy"}}`, string(p))
	_, _, err = serialConn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)

	uploadConn := dial(t, ts, "/upload")
	_, notes := readUpload(t, uploadConn)
	require.Equal(t, []models.UploadProgress{{Error: "device busy"}}, notes)

	info, ok := s.Devices().Active()
	require.True(t, ok)
	require.Equal(t, held.ID, info.ID)
}

func TestSecondSessionIsRejectedDuringUpload(t *testing.T) {
	dev := emulator.New(emulator.Options{}, zerolog.Nop())
	s, ts := newTestServer(t, testConfig(t), emulator.Opener(dev))
	payload := bytes.Repeat([]byte{0x5A}, 2*upload.ChunkSize)

	first := dial(t, ts, "/upload")
	require.NoError(t, first.WriteMessage(websocket.BinaryMessage, upload.HeadPacket(len(payload))))
	require.Equal(t, upload.AckNext, nextAck(t, first))
	info, ok := s.Devices().Active()
	require.True(t, ok)
	require.Equal(t, string(device.KindUpload), info.Kind)

	serialConn := dial(t, ts, "/serial")
	_, p, err := serialConn.ReadMessage()
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"error","data":{"error":"device busy"}}`, string(p))
	_, _, err = serialConn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)

	second := dial(t, ts, "/upload")
	_, p, err = second.ReadMessage()
	require.NoError(t, err)
	var n models.UploadProgress
	require.NoError(t, json.Unmarshal(p, &n))
	require.Equal(t, models.UploadProgress{Error: "device busy"}, n)
	_, _, err = second.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)

	// The first transfer is unaffected.
	for _, c := range upload.Chunks(payload) {
		require.NoError(t, first.WriteMessage(websocket.BinaryMessage, c))
	}
	acks, notes := readUpload(t, first)
	require.Equal(t, upload.AckDone, acks[len(acks)-1])
	require.Equal(t, models.UploadProgress{Progress: 1}, notes[len(notes)-1])
	require.Equal(t, [][]byte{payload}, dev.Images())
}

func TestUploadLockstepClient(t *testing.T) {
	dev := emulator.New(emulator.Options{}, zerolog.Nop())
	_, ts := newTestServer(t, testConfig(t), emulator.Opener(dev))
	payload := bytes.Repeat([]byte("lockstep"), 50)
	chunks := upload.Chunks(payload)

	conn := dial(t, ts, "/upload")
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, upload.HeadPacket(len(payload))))
	for i, c := range chunks {
		require.Equal(t, upload.AckNext, nextAck(t, conn), "before chunk %d", i)
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, c))
	}
	require.Equal(t, upload.AckDone, nextAck(t, conn))
	require.Equal(t, [][]byte{payload}, dev.Images())
}

func TestUploadStalledClientReleasesDevice(t *testing.T) {
	dev := emulator.New(emulator.Options{}, zerolog.Nop())
	cfg := testConfig(t)
	cfg.ClientTimeout = 200 * time.Millisecond
	s, ts := newTestServer(t, cfg, emulator.Opener(dev))

	conn := dial(t, ts, "/upload")
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, upload.HeadPacket(2*upload.ChunkSize)))
	acks, notes := readUpload(t, conn)
	require.Equal(t, []upload.Ack{upload.AckNext}, acks)
	require.Equal(t, "connection closed unexpectedly", notes[len(notes)-1].Error)
	require.Eventually(t, func() bool { _, held := s.Devices().Active(); return !held }, time.Second, 10*time.Millisecond)

	// The device is free for the next client.
	payload := bytes.Repeat([]byte{1}, 10)
	next := dial(t, ts, "/upload")
	sendImage(t, next, payload)
	acks, _ = readUpload(t, next)
	require.Equal(t, upload.AckDone, acks[len(acks)-1])
}

func TestUploadClientDisconnect(t *testing.T) {
	cfg := testConfig(t)
	cfg.AckTimeout = 5 * time.Second
	s, ts := newTestServer(t, cfg, func(string) (serial.Port, error) {
		return serialtest.NewPort(), nil
	})

	events := dial(t, ts, "/ws/events")
	conn := dial(t, ts, "/upload")
	sendImage(t, conn, make([]byte, 300))
	require.NoError(t, conn.Close())

	for {
		_, p, err := events.ReadMessage()
		require.NoError(t, err)
		var ev struct {
			Type string                  `json:"type"`
			Data models.SessionEndedData `json:"data"`
		}
		require.NoError(t, json.Unmarshal(p, &ev))
		if ev.Type != models.EventSessionEnded {
			continue
		}
		require.Equal(t, "failed", ev.Data.Outcome)
		require.Equal(t, "connection closed unexpectedly", ev.Data.Error)
		break
	}
	_, held := s.Devices().Active()
	require.False(t, held)
}

func TestSerialRelay(t *testing.T) {
	dev := emulator.New(emulator.Options{BootPath: "ROM", BootTime: 42}, zerolog.Nop())
	s, ts := newTestServer(t, testConfig(t), emulator.Opener(dev))

	conn := dial(t, ts, "/serial")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("metrics\n")))

	var output bytes.Buffer
	for {
		mt, p, err := conn.ReadMessage()
		require.NoError(t, err)
		if mt == websocket.BinaryMessage {
			output.Write(p)
			continue
		}
		var ev struct {
			Type string               `json:"type"`
			Data models.MetricsRecord `json:"data"`
		}
		require.NoError(t, json.Unmarshal(p, &ev))
		require.Equal(t, models.EventMetrics, ev.Type)
		require.Equal(t, models.MetricsRecord{Error: models.MetricsErrorNone, Time: "42", Path: "ROM"}, ev.Data)
		break
	}
	require.Contains(t, output.String(), "* Boot process took 42 milliseconds.\r\n")

	info, held := s.Devices().Active()
	require.True(t, held)
	require.Equal(t, "terminal", info.Kind)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { _, held := s.Devices().Active(); return !held }, 2*time.Second, 10*time.Millisecond)
}
