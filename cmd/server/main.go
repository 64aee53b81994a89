// Command `loadstone-server` runs the Loadstone web relay locally.
//
// It serves static assets from `-web` (defaults to `./public_html`) and
// exposes the boot metrics API plus the /serial and /upload WebSocket
// endpoints used by the front-end to talk to the device named by the first
// argument.
//
// Usage:
//
//	loadstone-server [flags] <device>
//
// Flags:
//
//	-addr:    TCP address to listen on (default 127.0.0.1:8000)
//	-web:     path to web root containing index.html
//	-config:  optional TOML settings file; flags win over the file
//	-open:    open the UI URL in your default browser at startup
//	-emulate: serve an in-memory emulated device instead of a serial port
//
// Env:
//
//	LOADSTONE_NO_OPEN=1 disables browser auto-open even when -open is set.
//	LOADSTONE_LOG_LEVEL overrides the log level.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/CK6170/loadstone-relay/internal/config"
	"github.com/CK6170/loadstone-relay/internal/emulator"
	"github.com/CK6170/loadstone-relay/internal/logging"
	"github.com/CK6170/loadstone-relay/internal/observability"
	"github.com/CK6170/loadstone-relay/internal/server"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var (
		addr    = flag.String("addr", "", "http listen address (default 127.0.0.1:8000)")
		web     = flag.String("web", "", "path to web root (index.html)")
		cfgPath = flag.String("config", "", "path to a TOML settings file")
		open    = flag.Bool("open", false, "open the web UI in your default browser on startup")
		emulate = flag.Bool("emulate", false, "serve an emulated device instead of a serial port")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <device>\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := logging.New("loadstone-server", logging.ProfileRuntime)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", *cfgPath).Msg("config_load_failed")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *web != "" {
		cfg.Web = *web
	}
	if flag.NArg() > 0 {
		cfg.Device = flag.Arg(0)
	}
	if cfg.Device == "" && *emulate {
		cfg.Device = "emulator"
	}
	if cfg.Device == "" {
		flag.Usage()
		os.Exit(2)
	}

	// Resolve web directory to an absolute path so logging and FileServer
	// behavior are consistent regardless of the current working directory.
	webDir, err := filepath.Abs(cfg.Web)
	if err != nil {
		logger.Fatal().Err(err).Msg("resolve_web_dir_failed")
	}
	if st, err := os.Stat(webDir); err != nil || !st.IsDir() {
		logger.Fatal().Str("web", webDir).Msg("web_dir_missing")
	}
	cfg.Web = webDir

	opts := server.Options{Config: cfg, Logger: logger, Version: version}
	if *emulate {
		dev := emulator.New(emulator.Options{}, logger.With().Str("component", "emulator").Logger())
		opts.Opener = emulator.Opener(dev)
	}

	observability.RegisterMetrics()
	s := server.New(opts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := s.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn().Err(err).Str("device", cfg.Device).Msg("device_watch_disabled")
		}
	}()

	// Bind the listen address early so we fail fast if the port is in use.
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.Addr).Msg("listen_failed")
	}

	uiURL := makeUIURL(cfg.Addr)
	logger.Info().
		Str("addr", cfg.Addr).
		Str("ui", uiURL).
		Str("device", cfg.Device).
		Str("web", webDir).
		Bool("emulate", *emulate).
		Str("version", version).
		Msg("serving")

	if *open && os.Getenv("LOADSTONE_NO_OPEN") == "" {
		if err := openBrowser(uiURL); err != nil {
			logger.Warn().Err(err).Msg("open_browser_failed")
		}
	}

	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("serve_failed")
	}
	logger.Info().Msg("stopped")
}

// makeUIURL turns a listen address (host:port) into a browser-friendly URL.
//
// Wildcard binds (0.0.0.0, ::) are mapped to 127.0.0.1.
func makeUIURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("http://%s/", strings.TrimSpace(addr))
	}
	if host == "" || host == "0.0.0.0" || host == "::" || host == "[::]" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%s/", host, port)
}

// openBrowser starts the OS default browser on url without waiting for it.
func openBrowser(url string) error {
	switch runtime.GOOS {
	case "windows":
		// The empty title argument prevents quoting issues with `start`.
		return exec.Command("cmd", "/c", "start", "", url).Start()
	case "darwin":
		return exec.Command("open", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}
