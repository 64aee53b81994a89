package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/CK6170/loadstone-relay/internal/upload"
	"github.com/CK6170/loadstone-relay/models"
	"github.com/gorilla/websocket"
)

// ErrUploadFailed wraps every upload the relay reports as unsuccessful.
var ErrUploadFailed = errors.New("upload failed")

// Client talks to a running loadstone-server.
type Client struct {
	base   *url.URL
	HTTP   *http.Client
	Dialer *websocket.Dialer
}

// NewClient parses base (for example http://127.0.0.1:8000).
func NewClient(base string) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(base), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", base)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("server url %q: missing host", base)
	}
	return &Client{
		base:   u,
		HTTP:   &http.Client{Timeout: 30 * time.Second},
		Dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}, nil
}

func (c *Client) httpURL(path string) string {
	u := *c.base
	u.Path = path
	return u.String()
}

func (c *Client) wsURL(path string) string {
	u := *c.base
	u.Path = path
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String()
}

// Metrics fetches the device's boot metrics.
func (c *Client) Metrics(ctx context.Context) (models.MetricsRecord, error) {
	var rec models.MetricsRecord
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.httpURL("/api/metrics"), nil)
	if err != nil {
		return rec, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return rec, fmt.Errorf("get metrics: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return rec, fmt.Errorf("get metrics: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return rec, fmt.Errorf("decode metrics: %w", err)
	}
	return rec, nil
}

// Dial opens a WebSocket to path on the relay.
func (c *Client) Dial(ctx context.Context, path string) (*websocket.Conn, error) {
	conn, resp, err := c.Dialer.DialContext(ctx, c.wsURL(path), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	return conn, nil
}

// Upload sends payload through the relay's /upload socket and blocks until
// the device has accepted the whole image or the transfer fails. Each chunk
// is sent only after the relay asked for it with NEXT. onProgress sees every
// progress notification, the final one included.
func (c *Client) Upload(ctx context.Context, payload []byte, onProgress func(models.UploadProgress)) error {
	conn, err := c.Dial(ctx, "/upload")
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	chunks := upload.Chunks(payload)
	// A busy relay answers and closes right away; a failed write is only
	// reported if no notification explains it.
	writeErr := conn.WriteMessage(websocket.BinaryMessage, upload.HeadPacket(len(payload)))

	sent := 0
	done := false
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case done:
				return nil
			case ctx.Err() != nil:
				return ctx.Err()
			case writeErr != nil:
				return fmt.Errorf("%w: send image: %v", ErrUploadFailed, writeErr)
			default:
				return fmt.Errorf("%w: %s", ErrUploadFailed, upload.ErrConnectionClosed)
			}
		}
		switch mt {
		case websocket.BinaryMessage:
			if len(data) != 1 {
				continue
			}
			switch upload.Ack(data[0]) {
			case upload.AckNext:
				// The device may ask once more after the last chunk while it
				// finishes; there is nothing left to send then.
				if sent < len(chunks) && writeErr == nil {
					writeErr = conn.WriteMessage(websocket.BinaryMessage, chunks[sent])
					sent++
				}
			case upload.AckDone:
				done = true
			}
		case websocket.TextMessage:
			var p models.UploadProgress
			if err := json.Unmarshal(data, &p); err != nil {
				return fmt.Errorf("%w: decode notification: %v", ErrUploadFailed, err)
			}
			if p.Error != "" {
				return fmt.Errorf("%w: %s", ErrUploadFailed, p.Error)
			}
			if onProgress != nil {
				onProgress(p)
			}
			if done && p.Progress >= 1 {
				return nil
			}
		}
	}
}
