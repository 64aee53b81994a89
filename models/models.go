// Package models defines the JSON payloads exchanged between the relay, the
// web front-end and loadstonectl.
//
// These types mirror what the browser UI decodes; field names are part of the
// wire contract.
package models

import "time"

// MetricsError classifies the outcome of a boot metrics request.
type MetricsError string

const (
	MetricsErrorNone     MetricsError = "none"
	MetricsErrorInternal MetricsError = "internal"
	MetricsErrorDevice   MetricsError = "device"
	MetricsErrorIO       MetricsError = "io"
	MetricsErrorMetrics  MetricsError = "metrics"
)

// MetricsRecord is the body of GET /api/metrics.
//
// Time and Path are only populated when Error is MetricsErrorNone; the keys
// are always present so the front-end can decode a fixed shape.
type MetricsRecord struct {
	Error MetricsError `json:"error"`
	Time  string       `json:"time"`
	Path  string       `json:"path"`
}

// OK reports whether the record carries metrics.
func (r MetricsRecord) OK() bool { return r.Error == MetricsErrorNone }

// UploadProgress is the JSON text notification sent on the /upload socket.
//
// Progress is the acknowledged fraction of the image in [0, 1]. A non-empty
// Error ends the transfer.
type UploadProgress struct {
	Progress float64 `json:"progress"`
	Error    string  `json:"error"`
}

// Event is the envelope for structured messages on /serial and /ws/events.
//
// The front-end switches on Type and treats Data as an arbitrary JSON value.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventOutput         = "output"
	EventMetrics        = "metrics"
	EventError          = "error"
	EventSessionStarted = "sessionStarted"
	EventSessionEnded   = "sessionEnded"
	EventDevicePresence = "devicePresence"
)

// ErrorData is the Data payload of an EventError.
type ErrorData struct {
	Error string `json:"error"`
}

// SessionInfo describes the session currently holding the device.
type SessionInfo struct {
	ID    string    `json:"id"`
	Kind  string    `json:"kind"`
	Since time.Time `json:"since"`
}

// SessionEndedData is the Data payload of an EventSessionEnded.
type SessionEndedData struct {
	SessionInfo
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// DevicePresenceData is the Data payload of an EventDevicePresence.
type DevicePresenceData struct {
	Path    string `json:"path"`
	Present bool   `json:"present"`
}
