package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/infraknit/icinga2/internal/httpwire"
	"github.com/infraknit/icinga2/internal/version"
)

// connection owns one accepted peer socket and serves strictly
// sequential requests on it until the peer goes away, a protocol error
// forces a close, or the service shuts down.
type connection struct {
	peer     net.Conn
	router   Router
	logger   *slog.Logger
	observer Observer
	br       *bufio.Reader
	bw       *bufio.Writer
}

func newConnection(peer net.Conn, router Router, logger *slog.Logger, observer Observer) *connection {
	return &connection{
		peer:     peer,
		router:   router,
		logger:   logger.With("connection", uuid.NewString()),
		observer: observer,
		br:       bufio.NewReader(peer),
		bw:       bufio.NewWriter(peer),
	}
}

// run is the connection task body. Cancellation of ctx is delivered by
// interrupting whatever read or write the connection is blocked in;
// it unwinds the task without being reported as a failure.
func (c *connection) run(ctx context.Context) {
	defer c.peer.Close()

	unwatch := make(chan struct{})
	defer close(unwatch)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.peer.SetDeadline(time.Now())
		case <-unwatch:
		}
	}()

	err := c.processMessages()
	switch {
	case err == nil, ctx.Err() != nil:
	case peerClosed(err):
		c.logger.Debug("peer closed connection", "error", err)
	default:
		c.logger.Error("unhandled error while processing HTTP request", "error", err)
	}
}

// processMessages runs the request/response cycle, one iteration per
// request on a keep-alive connection. A nil return means the
// connection ended by protocol decision or a reported 400; a non-nil
// return is a transport failure for run to classify.
func (c *connection) processMessages() error {
	for {
		response := httpwire.NewResponse()
		response.Header.Set("Server", version.ServerHeader())

		request, ok, err := c.ensureValidHeaders(response)
		if err != nil || !ok {
			return err
		}

		c.logger.Info("request",
			"method", request.Method,
			"target", request.Target,
			"agent", request.UserAgent())

		ok, err = c.ensureValidBody(request, response)
		if err != nil || !ok {
			return err
		}

		if err := c.processRequest(request, response); err != nil {
			return err
		}

		if !request.KeepAlive() {
			return nil
		}
	}
}

// ensureValidHeaders parses the next request's header section and
// gates on the protocol version. Parse failures and transport
// failures surfaced during parsing both get a 400 that closes the
// connection.
func (c *connection) ensureValidHeaders(response *httpwire.Response) (*httpwire.Request, bool, error) {
	request, err := httpwire.ReadHeader(c.br)
	if err == nil && !request.SupportedVersion() {
		err = errors.New("unsupported HTTP version")
	}
	if err != nil {
		response.SetError(400, "Bad Request: "+err.Error())
		response.Header.Set("Connection", "close")
		if werr := c.write(response); werr != nil {
			return nil, false, werr
		}
		return nil, false, nil
	}
	return request, true, nil
}

// ensureValidBody reads the request body, answering a closing 400 on
// any parse or transport failure, like ensureValidHeaders.
func (c *connection) ensureValidBody(request *httpwire.Request, response *httpwire.Response) (bool, error) {
	if err := httpwire.ReadBody(c.br, request); err != nil {
		response.SetError(400, "Bad Request: "+err.Error())
		response.Header.Set("Connection", "close")
		if werr := c.write(response); werr != nil {
			return false, werr
		}
		return false, nil
	}
	return true, nil
}

// processRequest dispatches to the router and writes the outcome. A
// router failure becomes a 500 with diagnostic detail instead of
// propagating; no route, or no router at all, becomes a 404.
func (c *connection) processRequest(request *httpwire.Request, response *httpwire.Response) error {
	routed, err := c.dispatch(request)
	if err != nil {
		failure := httpwire.NewResponse()
		failure.Header.Set("Server", version.ServerHeader())
		failure.SetErrorDiagnostic(500, "Unhandled exception", err.Error())
		return c.write(failure)
	}
	if routed != nil {
		if routed.Header.Get("Server") == "" {
			routed.Header.Set("Server", version.ServerHeader())
		}
		return c.write(routed)
	}

	response.SetError(404, fmt.Sprintf(
		"The requested path '%s' could not be found or the request method is not valid for this path.",
		request.Target))
	return c.write(response)
}

// dispatch invokes the router, converting a panic into an error so a
// misbehaving handler cannot take the connection down without a
// response.
func (c *connection) dispatch(request *httpwire.Request) (response *httpwire.Response, err error) {
	if c.router == nil {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v\n%s", r, debug.Stack())
		}
	}()
	return c.router.Handle(request)
}

func (c *connection) write(response *httpwire.Response) error {
	if err := response.Write(c.bw); err != nil {
		return err
	}
	if err := c.bw.Flush(); err != nil {
		return err
	}
	c.observer.RequestServed(response.Status)
	return nil
}

// peerClosed reports whether err means the peer went away, an
// expected condition on a control socket rather than a failure.
func peerClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}
