// Package control implements the daemon's management endpoint: a
// Unix-domain socket serving sequential HTTP/1.x requests, reachable
// only by same-host callers that pass the socket's file permissions.
//
// The Service owns the listening socket and a single driver goroutine
// running the accept loop. Each accepted peer is served by its own
// connection goroutine; the goroutine owns the connection for as long
// as it runs. Shutdown and the fork hooks deliver cancellation through
// a context rather than by destroying sockets out from under running
// connections, so in-flight work unwinds cleanly.
package control

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/infraknit/icinga2/internal/httpwire"
)

// Router dispatches one parsed management request. Returning a nil
// response with a nil error means "no route"; the connection answers
// with a 404 on the router's behalf. A returned error or a panic
// becomes a 500 with diagnostic detail.
type Router interface {
	Handle(request *httpwire.Request) (*httpwire.Response, error)
}

// Observer receives connection-level events, typically for metrics.
// Implementations must be safe for concurrent use.
type Observer interface {
	ConnectionAccepted()
	RequestServed(status int)
}

type noopObserver struct{}

func (noopObserver) ConnectionAccepted() {}
func (noopObserver) RequestServed(int) {}

// Options configures a Service.
type Options struct {
	// SocketPath is the filesystem path of the control socket.
	SocketPath string

	// Router handles parsed requests. When nil every request is
	// answered 404.
	Router Router

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Observer defaults to a no-op.
	Observer Observer
}

// Service is the lifecycle manager for the control endpoint.
//
// Lifecycle calls (Start, Stop, BeforeFork, AfterFork) must all come
// from the same goroutine; they are not safe to invoke concurrently
// with each other.
type Service struct {
	socketPath string
	router     Router
	logger     *slog.Logger
	observer   Observer

	listener   *net.UnixListener
	cancel     context.CancelFunc
	driverDone chan struct{}
	conns      sync.WaitGroup
	wasRunning bool
}

// NewService returns an unstarted Service.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := opts.Observer
	if observer == nil {
		observer = noopObserver{}
	}
	return &Service{
		socketPath: opts.SocketPath,
		router:     opts.Router,
		logger:     logger,
		observer:   observer,
	}
}

// Running reports whether the driver goroutine is alive. The driver
// exists if and only if the service is in the Running state.
func (s *Service) Running() bool {
	return s.driverDone != nil
}

// SocketPath returns the configured control socket path.
func (s *Service) SocketPath() string {
	return s.socketPath
}

// Start binds the control socket and launches the driver goroutine.
// A socket that cannot be created or bound is an unrecoverable startup
// error and propagates to the caller.
func (s *Service) Start() error {
	listener, err := newUnixListener(s.socketPath)
	if err != nil {
		return err
	}
	s.listener = listener
	s.launchDriver()
	s.wasRunning = true
	s.logger.Info("control socket listening", "path", s.socketPath)
	return nil
}

// Stop cancels all connection tasks, joins the driver, closes the
// listening socket and removes its path. Calling Stop when the
// service is not running is a no-op.
func (s *Service) Stop() {
	if !s.Running() {
		return
	}
	s.wasRunning = false
	s.haltDriver()
	s.listener.Close()
	s.listener = nil
	_ = os.Remove(s.socketPath)
	s.conns.Wait()
}

// BeforeFork prepares the service for a process fork: the driver is
// cancelled and joined exactly as in Stop, but the listening socket
// stays open so the parent can resume serving after the fork.
//
// The host process must call this immediately before forking, and
// AfterFork immediately after on both sides.
func (s *Service) BeforeFork() {
	if !s.Running() {
		return
	}
	s.haltDriver()
	s.conns.Wait()
}

// AfterFork completes the fork protocol. In the parent the driver is
// relaunched on the surviving listener if the service was running. In
// the child the inherited socket descriptor must not be served from
// two processes, so the service resets to its constructed, unstarted
// state; the child either exits or calls Start with a fresh socket
// path.
func (s *Service) AfterFork(parent bool) {
	if !s.wasRunning {
		return
	}
	if parent {
		s.launchDriver()
		return
	}
	s.reset()
}

// launchDriver starts the event-loop driver goroutine on the current
// listener with a fresh run context.
func (s *Service) launchDriver() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.driverDone = make(chan struct{})
	_ = s.listener.SetDeadline(time.Time{})
	go s.runEventLoop(ctx, s.driverDone)
}

// haltDriver cancels the run context, interrupts the pending accept,
// and joins the driver goroutine. The listener itself stays open.
func (s *Service) haltDriver() {
	s.cancel()
	_ = s.listener.SetDeadline(time.Now())
	<-s.driverDone
	s.cancel = nil
	s.driverDone = nil
}

// reset returns the service to its constructed state, closing the
// listener descriptor without removing the socket path (which the
// parent process still serves).
func (s *Service) reset() {
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
	s.cancel = nil
	s.driverDone = nil
	s.wasRunning = false
}

// runEventLoop is the driver goroutine body. Cancellation and a
// normally-terminating accept loop both stop the driver; any other
// failure is logged and the loop re-enters so pending work keeps
// being served.
func (s *Service) runEventLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if s.runAcceptLoop(ctx) {
			return
		}
	}
}

// runAcceptLoop accepts peers until cancellation or an unrecoverable
// accept error. It reports whether the driver should exit; a panic
// leaves the report false so the driver re-enters.
func (s *Service) runAcceptLoop(ctx context.Context) (stop bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic during I/O operation",
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	for {
		peer, err := s.listener.Accept()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				// Shutdown or fork; propagate as a clean stop.
				return true
			case errors.Is(err, os.ErrDeadlineExceeded):
				// Deadlines are only used to deliver cancellation;
				// a spurious one is not a reason to stop accepting.
				continue
			default:
				// Admission of new connections ends here; established
				// connections keep running independently.
				s.logger.Error("cannot accept new connection", "error", err)
				return true
			}
		}

		s.observer.ConnectionAccepted()
		conn := newConnection(peer, s.router, s.logger, s.observer)
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			conn.run(ctx)
		}()
	}
}
