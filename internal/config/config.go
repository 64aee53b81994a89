// Package config loads the relay settings from an optional TOML file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Upload device protocols.
const (
	ProtocolDirect = "direct"
	ProtocolXModem = "xmodem"
)

// Config holds everything the server needs. Durations are parsed from strings
// such as "250ms" in the file.
type Config struct {
	Addr   string
	Web    string
	Device string
	Baud   int

	PollInterval      time.Duration
	MetricsTimeout    time.Duration
	AckTimeout        time.Duration
	CompletionTimeout time.Duration
	// ClientTimeout bounds every wait for the next upload message from a client.
	ClientTimeout time.Duration

	UploadProtocol string
	// UploadCommand is written before the head packet when set (direct protocol only).
	UploadCommand string
	// XModemBank is the flash bank named in the XModem "flash bank=N" command.
	XModemBank   int
	MaxImageSize int

	TranscriptSize int
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Addr:              "127.0.0.1:8000",
		Web:               "./public_html",
		Baud:              115200,
		PollInterval:      100 * time.Millisecond,
		MetricsTimeout:    2 * time.Second,
		AckTimeout:        10 * time.Second,
		CompletionTimeout: 30 * time.Second,
		ClientTimeout:     30 * time.Second,
		UploadProtocol:    ProtocolDirect,
		XModemBank:        2,
		MaxImageSize:      4 << 20,
		TranscriptSize:    64 << 10,
	}
}

type fileConfig struct {
	Addr              string `toml:"addr"`
	Web               string `toml:"web"`
	Device            string `toml:"device"`
	Baud              int    `toml:"baud"`
	PollInterval      string `toml:"poll_interval"`
	MetricsTimeout    string `toml:"metrics_timeout"`
	AckTimeout        string `toml:"ack_timeout"`
	CompletionTimeout string `toml:"completion_timeout"`
	ClientTimeout     string `toml:"client_timeout"`
	UploadProtocol    string `toml:"upload_protocol"`
	UploadCommand     string `toml:"upload_command"`
	XModemBank        int    `toml:"xmodem_bank"`
	MaxImageSize      int    `toml:"max_image_size"`
	TranscriptSize    int    `toml:"transcript_size"`
}

// Load returns Default overlaid with the keys defined in the TOML file at
// path. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("web") {
		cfg.Web = strings.TrimSpace(raw.Web)
	}
	if meta.IsDefined("device") {
		cfg.Device = strings.TrimSpace(raw.Device)
	}
	if meta.IsDefined("baud") {
		cfg.Baud = raw.Baud
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"poll_interval", raw.PollInterval, &cfg.PollInterval},
		{"metrics_timeout", raw.MetricsTimeout, &cfg.MetricsTimeout},
		{"ack_timeout", raw.AckTimeout, &cfg.AckTimeout},
		{"completion_timeout", raw.CompletionTimeout, &cfg.CompletionTimeout},
		{"client_timeout", raw.ClientTimeout, &cfg.ClientTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("upload_protocol") {
		cfg.UploadProtocol = strings.ToLower(strings.TrimSpace(raw.UploadProtocol))
	}
	if meta.IsDefined("upload_command") {
		cfg.UploadCommand = raw.UploadCommand
	}
	if meta.IsDefined("xmodem_bank") {
		cfg.XModemBank = raw.XModemBank
	}
	if meta.IsDefined("max_image_size") {
		cfg.MaxImageSize = raw.MaxImageSize
	}
	if meta.IsDefined("transcript_size") {
		cfg.TranscriptSize = raw.TranscriptSize
	}

	return cfg, cfg.Validate()
}

// Validate rejects settings the relay cannot run with.
func (c Config) Validate() error {
	if c.Baud <= 0 {
		return fmt.Errorf("baud must be positive, got %d", c.Baud)
	}
	for name, d := range map[string]time.Duration{
		"poll_interval":      c.PollInterval,
		"metrics_timeout":    c.MetricsTimeout,
		"ack_timeout":        c.AckTimeout,
		"completion_timeout": c.CompletionTimeout,
		"client_timeout":     c.ClientTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	switch c.UploadProtocol {
	case ProtocolDirect, ProtocolXModem:
	default:
		return fmt.Errorf("upload_protocol must be %q or %q, got %q", ProtocolDirect, ProtocolXModem, c.UploadProtocol)
	}
	if c.XModemBank < 0 {
		return fmt.Errorf("xmodem_bank must not be negative, got %d", c.XModemBank)
	}
	if c.MaxImageSize <= 0 {
		return fmt.Errorf("max_image_size must be positive, got %d", c.MaxImageSize)
	}
	if c.TranscriptSize <= 0 {
		return fmt.Errorf("transcript_size must be positive, got %d", c.TranscriptSize)
	}
	return nil
}
