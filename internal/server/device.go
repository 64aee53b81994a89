package server

import (
	"github.com/CK6170/loadstone-relay/internal/config"
	"github.com/CK6170/loadstone-relay/internal/device"
	"github.com/CK6170/loadstone-relay/serial"
)

// SerialOpener opens the configured serial device for each session.
//
// A fresh port per session means a device that was unplugged and replugged
// between requests is picked up without restarting the server.
func SerialOpener(cfg config.Config) device.Opener {
	return func(path string) (serial.Port, error) {
		return serial.Open(serial.Config{
			Path:         path,
			Baud:         cfg.Baud,
			PollInterval: cfg.PollInterval,
		})
	}
}
