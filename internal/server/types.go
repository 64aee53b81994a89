package server

import (
	"time"

	"github.com/CK6170/loadstone-relay/models"
	"github.com/CK6170/loadstone-relay/serial"
)

// APIError is the canonical error envelope returned by JSON endpoints.
// The frontend expects the `error` field and will surface it to the user.
type APIError struct {
	Error string `json:"error"`
}

// HealthResponse is returned by /api/health to confirm the server is running.
type HealthResponse struct {
	OK        bool      `json:"ok"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusResponse is returned by /api/status.
//
// Present is omitted when the device node is not being watched; Session is
// omitted while the device is idle.
type StatusResponse struct {
	Device  string              `json:"device"`
	Present *bool               `json:"present,omitempty"`
	Session *models.SessionInfo `json:"session,omitempty"`
	Version string              `json:"version"`
}

// PortsResponse is returned by /api/ports.
type PortsResponse struct {
	Ports []serial.PortInfo `json:"ports"`
}
