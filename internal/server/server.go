// Package server is the relay's HTTP front: it routes requests by path to the
// metrics endpoint, the terminal relay or the upload session, and serves the
// static front-end.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/CK6170/loadstone-relay/internal/bootmetrics"
	"github.com/CK6170/loadstone-relay/internal/config"
	"github.com/CK6170/loadstone-relay/internal/device"
	"github.com/CK6170/loadstone-relay/internal/observability"
	"github.com/CK6170/loadstone-relay/models"
	"github.com/rs/zerolog"
)

// Options configures New.
type Options struct {
	Config config.Config

	// Opener opens the device; nil uses the real serial port.
	Opener device.Opener

	Logger  zerolog.Logger
	Version string
}

type Server struct {
	mux     *http.ServeMux
	cfg     config.Config
	log     zerolog.Logger
	version string

	devices *device.Manager
	metrics *bootmetrics.Fetcher
	watcher atomic.Pointer[device.Watcher]
	ports   *PortCache

	// events fans out session and presence changes to /ws/events.
	events *WSHub
}

func New(opts Options) *Server {
	open := opts.Opener
	if open == nil {
		open = SerialOpener(opts.Config)
	}
	devices := device.NewManager(opts.Config.Device, open, opts.Logger)
	s := &Server{
		mux:     http.NewServeMux(),
		cfg:     opts.Config,
		log:     opts.Logger,
		version: opts.Version,
		devices: devices,
		metrics: &bootmetrics.Fetcher{Devices: devices, Timeout: opts.Config.MetricsTimeout},
		events:  NewWSHub(),
		ports:   NewPortCache(portCacheTTL, nil),
	}

	// API
	s.mux.HandleFunc("/api/metrics", s.handleMetrics)
	s.mux.HandleFunc("/api/server-version", s.handleVersion)
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/ports", s.handlePorts)
	s.mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusNotFound, APIError{Error: "404 Not found"})
	})
	s.mux.Handle("/metrics", observability.Handler())

	// WS
	s.mux.HandleFunc("/serial", s.handleSerial)
	s.mux.HandleFunc("/upload", s.handleUpload)
	s.mux.HandleFunc("/ws/events", s.handleWSEvents)

	// Static frontend
	fs := http.FileServer(http.Dir(opts.Config.Web))
	s.mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.NotFound(w, r)
			return
		}
		// Avoid stale UI/assets after a firmware tool update.
		p := r.URL.Path
		if p == "/" ||
			strings.HasSuffix(p, ".html") ||
			strings.HasSuffix(p, ".js") ||
			strings.HasSuffix(p, ".css") {
			w.Header().Set("Cache-Control", "no-store")
		}
		fs.ServeHTTP(w, r)
	}))

	return s
}

// Handler returns the routes wrapped with request logging and metrics.
func (s *Server) Handler() http.Handler {
	return observability.Middleware(s.log, s.mux)
}

// Devices exposes the session slot, mainly for tests and status reporting.
func (s *Server) Devices() *device.Manager { return s.devices }

// Watch tracks the device node until ctx ends and broadcasts presence
// changes. It returns nil right away when no device path is configured.
func (s *Server) Watch(ctx context.Context) error {
	path := s.devices.Path()
	if path == "" {
		return nil
	}
	w, err := device.NewWatcher(path, s.log)
	if err != nil {
		return err
	}
	defer w.Close()
	w.OnChange = func(present bool) {
		s.ports.Invalidate()
		s.events.Broadcast(models.Event{
			Type: models.EventDevicePresence,
			Data: models.DevicePresenceData{Path: path, Present: present},
		})
	}
	s.watcher.Store(w)
	defer s.watcher.Store(nil)
	err = w.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, 200, HealthResponse{OK: true, Timestamp: time.Now()})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(s.version))
}

// handleMetrics always answers 200; failures are classified in the record.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	rec := s.metrics.Fetch(r.Context())
	observability.RecordSession(string(device.KindMetrics), string(rec.Error))
	s.writeJSON(w, 200, rec)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	resp := StatusResponse{Device: s.devices.Path(), Version: s.version}
	if watcher := s.watcher.Load(); watcher != nil {
		present := watcher.Present()
		resp.Present = &present
	}
	if info, ok := s.devices.Active(); ok {
		resp.Session = &info
	}
	s.writeJSON(w, 200, resp)
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, 200, PortsResponse{Ports: s.ports.Get()})
}
