// Package daemon composes the icinga2 control daemon: configuration,
// structured logging with an in-memory ring buffer, metrics, the
// management router, and the control-socket service.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/infraknit/icinga2/internal/config"
	"github.com/infraknit/icinga2/internal/control"
	"github.com/infraknit/icinga2/internal/perfdata"
	"github.com/infraknit/icinga2/internal/version"
)

// Options configures the daemon.
type Options struct {
	// Config defaults to config.Default().
	Config *config.Config

	// Paths defaults to config.GetPaths().
	Paths *config.Paths

	// LogWriter receives log output; defaults to os.Stderr.
	LogWriter io.Writer
}

// Daemon is the running icinga2 control daemon.
type Daemon struct {
	cfg       *config.Config
	paths     *config.Paths
	logger    *slog.Logger
	logBuffer *LogBuffer
	metrics   *Metrics
	control   *control.Service
	perfdata  *perfdata.Writer
	startTime time.Time
}

// Status is the daemon's self-description served at /v1/status.
type Status struct {
	PID        int       `json:"pid"`
	Version    string    `json:"version"`
	StartTime  time.Time `json:"start_time"`
	Uptime     string    `json:"uptime"`
	SocketPath string    `json:"socket_path"`
	Requests   int64     `json:"requests_total"`
}

// New creates a new daemon instance.
func New(opts Options) (*Daemon, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	paths := opts.Paths
	if paths == nil {
		var err error
		paths, err = config.GetPaths()
		if err != nil {
			return nil, err
		}
	}
	paths.ApplyRunDir(cfg.Daemon.RunDir)

	logWriter := opts.LogWriter
	if logWriter == nil {
		logWriter = os.Stderr
	}

	buffer := NewLogBuffer(LogBufferSize)
	logger := newLogger(cfg.Logging, buffer, logWriter)

	d := &Daemon{
		cfg:       cfg,
		paths:     paths,
		logger:    logger,
		logBuffer: buffer,
		metrics:   NewMetrics(),
		startTime: time.Now(),
	}
	d.control = control.NewService(control.Options{
		SocketPath: paths.SocketPath,
		Router:     &router{d: d},
		Logger:     logger,
		Observer:   d.metrics,
	})
	if cfg.Perfdata.Enabled {
		if err := cfg.Perfdata.Validate(); err != nil {
			return nil, err
		}
		d.perfdata = perfdata.NewWriter(cfg.Perfdata, logger)
	}
	return d, nil
}

// Run starts the control service and blocks until ctx is cancelled,
// then shuts it down.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.MkdirAll(d.paths.RunDir, 0o700); err != nil {
		return fmt.Errorf("creating runtime directory: %w", err)
	}
	if err := d.control.Start(); err != nil {
		return err
	}
	d.logger.Info("daemon started",
		"version", version.Version,
		"pid", os.Getpid(),
		"socket", d.paths.SocketPath)

	var perfdataDone chan struct{}
	if d.perfdata != nil {
		perfdataDone = make(chan struct{})
		go d.runPerfdata(ctx, perfdataDone)
	}

	<-ctx.Done()

	d.logger.Info("shutting down")
	if perfdataDone != nil {
		<-perfdataDone
	}
	d.control.Stop()
	return nil
}

// runPerfdata samples the metrics into the perfdata writer on the
// configured interval, with one final sample and flush on shutdown.
func (d *Daemon) runPerfdata(ctx context.Context, done chan struct{}) {
	defer close(done)

	interval := time.Duration(d.cfg.Perfdata.FlushInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.flushPerfdata()
			return
		case <-ticker.C:
			d.flushPerfdata()
		}
	}
}

func (d *Daemon) flushPerfdata() {
	d.collectPerfdata()
	if err := d.perfdata.Flush(); err != nil {
		d.logger.Error("cannot flush perfdata", "error", err)
	}
}

// collectPerfdata renders the current metrics snapshot as points.
func (d *Daemon) collectPerfdata() {
	snapshot := d.metrics.Snapshot()
	now := time.Now()
	hostname, _ := os.Hostname()
	tags := map[string]string{"host": hostname}

	d.perfdata.Add(perfdata.Point{
		Measurement: "icinga2_daemon",
		Tags:        tags,
		Fields: map[string]any{
			"uptime":               snapshot.UptimeSec,
			"connections_accepted": snapshot.Counters.ConnectionsAccepted,
			"requests_served":      snapshot.Counters.RequestsServed,
			"num_goroutine":        snapshot.System.NumGoroutine,
			"mem_alloc_mb":         snapshot.System.MemAllocMB,
		},
		Time: now,
	})
	for status, count := range snapshot.ResponsesByStatus {
		d.perfdata.Add(perfdata.Point{
			Measurement: "icinga2_responses",
			Tags:        map[string]string{"host": hostname, "status": strconv.Itoa(status)},
			Fields:      map[string]any{"count": count},
			Time:        now,
		})
	}
}

// SocketPath returns the path of the control socket.
func (d *Daemon) SocketPath() string {
	return d.paths.SocketPath
}

// BeforeFork forwards the fork-preparation hook to the control
// service. Hosts that fork must call it immediately before doing so.
func (d *Daemon) BeforeFork() {
	d.control.BeforeFork()
}

// AfterFork forwards the fork-completion hook to the control service;
// both the parent and the child must call it before any further I/O
// involving the daemon.
func (d *Daemon) AfterFork(parent bool) {
	d.control.AfterFork(parent)
}

func (d *Daemon) status() Status {
	return Status{
		PID:        os.Getpid(),
		Version:    version.Version,
		StartTime:  d.startTime,
		Uptime:     time.Since(d.startTime).Round(time.Second).String(),
		SocketPath: d.paths.SocketPath,
		Requests:   d.metrics.RequestsServed.Load(),
	}
}

// newLogger builds the daemon's slog logger: level and format from
// configuration, every record teed into the ring buffer.
func newLogger(cfg config.LoggingConfig, buffer *LogBuffer, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	return slog.New(NewBufferedHandler(buffer, handler))
}
