// Package device enforces single ownership of the serial device.
//
// Every client-facing operation (metrics request, terminal relay, upload)
// runs inside a Session obtained from Manager.Acquire. Only one Session may
// exist at a time; further Acquire calls fail immediately with ErrBusy.
package device

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/CK6170/loadstone-relay/models"
	"github.com/CK6170/loadstone-relay/serial"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrUnavailable means the transport could not be acquired: either another
	// session holds it or the port failed to open.
	ErrUnavailable = errors.New("device unavailable")

	// ErrBusy is returned while another session holds the device.
	ErrBusy = fmt.Errorf("%w: device busy", ErrUnavailable)

	// ErrNoDevicePath means the relay was started without a device path.
	ErrNoDevicePath = errors.New("no device path configured")
)

// Kind names the operation a session was acquired for.
type Kind string

const (
	KindMetrics  Kind = "metrics"
	KindTerminal Kind = "terminal"
	KindUpload   Kind = "upload"
)

// Opener opens the device node at path.
type Opener func(path string) (serial.Port, error)

// Manager is the single slot holding the active Session.
type Manager struct {
	open Opener
	log  zerolog.Logger

	mu     sync.Mutex
	path   string
	active *Session
}

// NewManager returns a Manager for the device at path. An empty path is
// allowed; every Acquire then fails with ErrNoDevicePath.
func NewManager(path string, open Opener, log zerolog.Logger) *Manager {
	return &Manager{
		path: strings.TrimSpace(path),
		open: open,
		log:  log,
	}
}

// Path returns the configured device path.
func (m *Manager) Path() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.path
}

// Acquire reserves the device for one operation and opens the port.
//
// It never blocks waiting for another session. The caller must call Release
// on every exit path.
func (m *Manager) Acquire(kind Kind) (*Session, error) {
	m.mu.Lock()
	if m.path == "" {
		m.mu.Unlock()
		return nil, ErrNoDevicePath
	}
	if m.active != nil {
		holder := m.active
		m.mu.Unlock()
		m.log.Debug().
			Str("kind", string(kind)).
			Str("held_by", holder.ID).
			Str("held_kind", string(holder.Kind)).
			Msg("device busy")
		return nil, ErrBusy
	}
	s := &Session{
		ID:      uuid.NewString(),
		Kind:    kind,
		Started: time.Now(),
		mgr:     m,
	}
	// Reserve the slot before opening so concurrent requests fail fast
	// instead of waiting on the driver.
	m.active = s
	path := m.path
	m.mu.Unlock()

	port, err := m.open(path)
	if err != nil {
		m.clear(s)
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnavailable, path, err)
	}
	s.Transport = serial.NewTransport(port)
	s.log = m.log.With().Str("session", s.ID).Str("kind", string(kind)).Logger()
	s.log.Info().Str("device", path).Msg("session started")
	return s, nil
}

// Active returns the session currently holding the device.
func (m *Manager) Active() (models.SessionInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return models.SessionInfo{}, false
	}
	return m.active.Info(), true
}

func (m *Manager) clear(s *Session) {
	m.mu.Lock()
	if m.active == s {
		m.active = nil
	}
	m.mu.Unlock()
}

// Session is exclusive ownership of the device transport.
type Session struct {
	ID      string
	Kind    Kind
	Started time.Time

	*serial.Transport

	mgr  *Manager
	log  zerolog.Logger
	once sync.Once
}

// Info is the JSON-facing snapshot of s.
func (s *Session) Info() models.SessionInfo {
	return models.SessionInfo{ID: s.ID, Kind: string(s.Kind), Since: s.Started}
}

// Logger returns a logger tagged with the session id and kind.
func (s *Session) Logger() zerolog.Logger { return s.log }

// Release closes the port and frees the slot. Safe to call more than once.
func (s *Session) Release() {
	s.once.Do(func() {
		if s.Transport != nil {
			if err := s.Transport.Close(); err != nil {
				s.log.Warn().Err(err).Msg("close device")
			}
		}
		s.mgr.clear(s)
		s.log.Info().Dur("held", time.Since(s.Started)).Msg("session released")
	})
}
