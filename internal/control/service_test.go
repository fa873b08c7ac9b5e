package control

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/infraknit/icinga2/internal/httpwire"
	"github.com/infraknit/icinga2/internal/testutil"
)

// routerFunc adapts a function to the Router interface.
type routerFunc func(request *httpwire.Request) (*httpwire.Response, error)

func (f routerFunc) Handle(request *httpwire.Request) (*httpwire.Response, error) {
	return f(request)
}

func startService(t *testing.T, router Router) *Service {
	t.Helper()

	service := NewService(Options{
		SocketPath: testutil.SocketPath(t),
		Router:     router,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := service.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(service.Stop)
	return service
}

func dialService(t *testing.T, service *Service) net.Conn {
	t.Helper()

	conn, err := net.DialTimeout("unix", service.SocketPath(), time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", service.SocketPath(), err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// roundTrip writes one raw request and reads back one full response.
func roundTrip(t *testing.T, conn net.Conn, br *bufio.Reader, raw string) *http.Response {
	t.Helper()

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.WriteString(conn, raw); err != nil {
		t.Fatalf("write request: %v", err)
	}
	response, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	t.Cleanup(func() { response.Body.Close() })
	return response
}

func decodeErrorBody(t *testing.T, response *http.Response) httpwire.ErrorBody {
	t.Helper()

	// Drain the body fully so the connection is usable for a
	// follow-up request.
	body, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("read error body: %v", err)
	}
	var envelope httpwire.ErrorBody
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode error body %q: %v", body, err)
	}
	return envelope
}

func TestNotFoundKeepsConnectionOpen(t *testing.T) {
	service := startService(t, nil)
	conn := dialService(t, service)
	br := bufio.NewReader(conn)

	response := roundTrip(t, conn, br, "GET /nonexistent HTTP/1.1\r\nHost: x\r\n\r\n")
	if response.StatusCode != 404 {
		t.Errorf("status: got %d, want 404", response.StatusCode)
	}
	if got := response.Header.Get("Server"); got == "" {
		t.Error("missing Server header")
	}
	envelope := decodeErrorBody(t, response)
	if envelope.Error != 404 {
		t.Errorf("envelope error: got %d, want 404", envelope.Error)
	}

	// No Connection: close was sent and the version is 1.1, so the
	// same connection must accept a second request.
	response = roundTrip(t, conn, br, "GET /also-nonexistent HTTP/1.1\r\nHost: x\r\n\r\n")
	if response.StatusCode != 404 {
		t.Errorf("second status: got %d, want 404", response.StatusCode)
	}
}

func TestHTTP10ClosesConnection(t *testing.T) {
	service := startService(t, nil)
	conn := dialService(t, service)
	br := bufio.NewReader(conn)

	response := roundTrip(t, conn, br, "GET / HTTP/1.0\r\n\r\n")
	if response.StatusCode != 404 {
		t.Errorf("status: got %d, want 404", response.StatusCode)
	}
	io.Copy(io.Discard, response.Body)

	assertClosed(t, conn, br)
}

func TestConnectionCloseHeaderHonored(t *testing.T) {
	service := startService(t, nil)
	conn := dialService(t, service)
	br := bufio.NewReader(conn)

	response := roundTrip(t, conn, br, "GET / HTTP/1.1\r\nConnection: close\r\n\r\n")
	if response.StatusCode != 404 {
		t.Errorf("status: got %d, want 404", response.StatusCode)
	}
	io.Copy(io.Discard, response.Body)

	assertClosed(t, conn, br)
}

func TestUnsupportedVersionRejected(t *testing.T) {
	service := startService(t, nil)
	conn := dialService(t, service)
	br := bufio.NewReader(conn)

	response := roundTrip(t, conn, br, "GET / HTTP/9.9\r\n\r\n")
	if response.StatusCode != 400 {
		t.Errorf("status: got %d, want 400", response.StatusCode)
	}
	if got := response.Header.Get("Connection"); got != "close" {
		t.Errorf("Connection header: got %q, want close", got)
	}
	envelope := decodeErrorBody(t, response)
	if envelope.Error != 400 {
		t.Errorf("envelope error: got %d, want 400", envelope.Error)
	}

	assertClosed(t, conn, br)
}

func TestHTTP09StyleRequestRejected(t *testing.T) {
	service := startService(t, nil)
	conn := dialService(t, service)
	br := bufio.NewReader(conn)

	// A request line with no version token at all.
	response := roundTrip(t, conn, br, "GET /index.html\r\n\r\n")
	if response.StatusCode != 400 {
		t.Errorf("status: got %d, want 400", response.StatusCode)
	}
	io.Copy(io.Discard, response.Body)

	assertClosed(t, conn, br)
}

func TestRouterResponseServedAsIs(t *testing.T) {
	router := routerFunc(func(request *httpwire.Request) (*httpwire.Response, error) {
		if request.Target != "/v1/ping" {
			return nil, nil
		}
		response := httpwire.NewResponse()
		if err := response.SetJSONBody(map[string]string{"pong": "yes"}); err != nil {
			return nil, err
		}
		return response, nil
	})

	service := startService(t, router)
	conn := dialService(t, service)
	br := bufio.NewReader(conn)

	response := roundTrip(t, conn, br, "GET /v1/ping HTTP/1.1\r\nHost: x\r\n\r\n")
	if response.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", response.StatusCode)
	}
	if got := response.Header.Get("Server"); got == "" {
		t.Error("router response is missing the Server header")
	}

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var body map[string]string
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("decode body %q: %v", raw, err)
	}
	if body["pong"] != "yes" {
		t.Errorf("body: got %v", body)
	}
}

func TestRouterErrorBecomes500(t *testing.T) {
	router := routerFunc(func(request *httpwire.Request) (*httpwire.Response, error) {
		return nil, errors.New("backend exploded")
	})

	service := startService(t, router)
	conn := dialService(t, service)
	br := bufio.NewReader(conn)

	response := roundTrip(t, conn, br, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	if response.StatusCode != 500 {
		t.Errorf("status: got %d, want 500", response.StatusCode)
	}
	envelope := decodeErrorBody(t, response)
	if envelope.Error != 500 {
		t.Errorf("envelope error: got %d, want 500", envelope.Error)
	}
	if envelope.DiagnosticInformation == "" {
		t.Error("missing diagnostic information")
	}

	// The 500 write succeeded, so keep-alive still applies.
	response = roundTrip(t, conn, br, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	if response.StatusCode != 500 {
		t.Errorf("second status: got %d, want 500", response.StatusCode)
	}
}

func TestRouterPanicBecomes500(t *testing.T) {
	router := routerFunc(func(request *httpwire.Request) (*httpwire.Response, error) {
		panic("handler bug")
	})

	service := startService(t, router)
	conn := dialService(t, service)
	br := bufio.NewReader(conn)

	response := roundTrip(t, conn, br, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	if response.StatusCode != 500 {
		t.Errorf("status: got %d, want 500", response.StatusCode)
	}
	envelope := decodeErrorBody(t, response)
	if envelope.DiagnosticInformation == "" {
		t.Error("missing diagnostic information for panic")
	}
}

func TestOversizedHeaderRejected(t *testing.T) {
	service := startService(t, nil)
	conn := dialService(t, service)
	br := bufio.NewReader(conn)

	conn.SetDeadline(time.Now().Add(30 * time.Second))
	if _, err := io.WriteString(conn, "GET / HTTP/1.1\r\n"); err != nil {
		t.Fatalf("write request line: %v", err)
	}
	filler := []byte("X-Filler: " + string(make([]byte, 8000)) + "\r\n")
	for i := range filler {
		if filler[i] == 0 {
			filler[i] = 'a'
		}
	}
	written := 0
	for written <= httpwire.MaxHeaderBytes {
		n, err := conn.Write(filler)
		written += n
		if err != nil {
			// The server may answer 400 and close before everything
			// is written; that is the behavior under test.
			break
		}
	}

	response, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != 400 {
		t.Errorf("status: got %d, want 400", response.StatusCode)
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	service := startService(t, nil)
	conn := dialService(t, service)
	br := bufio.NewReader(conn)

	raw := fmt.Sprintf("POST / HTTP/1.1\r\nHost: x\r\nContent-Length: %d\r\n\r\n", httpwire.MaxBodyBytes+1)
	response := roundTrip(t, conn, br, raw)
	if response.StatusCode != 400 {
		t.Errorf("status: got %d, want 400", response.StatusCode)
	}
	io.Copy(io.Discard, response.Body)

	assertClosed(t, conn, br)
}

func TestStopRemovesSocket(t *testing.T) {
	service := startService(t, nil)
	path := service.SocketPath()

	service.Stop()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("socket still present after Stop: %v", err)
	}
	if service.Running() {
		t.Error("Running: got true after Stop")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	service := startService(t, nil)
	service.Stop()
	service.Stop() // must not hang or panic
}

func TestRestartOnSamePath(t *testing.T) {
	service := startService(t, nil)
	path := service.SocketPath()

	service.Stop()
	if err := service.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if info.Mode().Type()&os.ModeSocket == 0 {
		t.Errorf("not a socket: %v", info.Mode())
	}
	if perm := info.Mode().Perm(); perm != 0o700 {
		t.Errorf("socket mode: got %o, want 700", perm)
	}

	conn := dialService(t, service)
	br := bufio.NewReader(conn)
	response := roundTrip(t, conn, br, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	if response.StatusCode != 404 {
		t.Errorf("status after restart: got %d, want 404", response.StatusCode)
	}
}

func TestForkProtocolParent(t *testing.T) {
	service := startService(t, nil)

	service.BeforeFork()
	if service.Running() {
		t.Fatal("Running: got true after BeforeFork")
	}

	service.AfterFork(true)
	if !service.Running() {
		t.Fatal("Running: got false after AfterFork(parent)")
	}

	// The surviving listener must accept again.
	conn := dialService(t, service)
	br := bufio.NewReader(conn)
	response := roundTrip(t, conn, br, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	if response.StatusCode != 404 {
		t.Errorf("status after fork: got %d, want 404", response.StatusCode)
	}
}

func TestForkProtocolChild(t *testing.T) {
	service := startService(t, nil)
	oldPath := service.SocketPath()

	service.BeforeFork()
	service.AfterFork(false)

	if service.Running() {
		t.Error("Running: got true after AfterFork(child)")
	}
	// The child closed its copy of the listener; nobody serves the
	// old path in this process anymore.
	if conn, err := net.DialTimeout("unix", oldPath, 100*time.Millisecond); err == nil {
		conn.Close()
		t.Error("dial succeeded against the reset child service")
	}

	// The reset service is equivalent to a freshly constructed one.
	service.socketPath = testutil.SocketPath(t)
	if err := service.Start(); err != nil {
		t.Fatalf("Start after child reset: %v", err)
	}
	conn := dialService(t, service)
	br := bufio.NewReader(conn)
	response := roundTrip(t, conn, br, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	if response.StatusCode != 404 {
		t.Errorf("status after child restart: got %d, want 404", response.StatusCode)
	}
}

func TestForkHooksWhenStopped(t *testing.T) {
	service := NewService(Options{
		SocketPath: testutil.SocketPath(t),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	// A service that was never running takes no action on fork.
	service.BeforeFork()
	service.AfterFork(true)
	service.AfterFork(false)
	if service.Running() {
		t.Error("Running: got true")
	}
}

// TestAcceptFailureLeavesConnectionsAlive pins down the accepted
// degradation mode: when the accept loop dies, admission of new
// connections ends but established connections keep being served.
func TestAcceptFailureLeavesConnectionsAlive(t *testing.T) {
	service := startService(t, nil)
	conn := dialService(t, service)
	br := bufio.NewReader(conn)

	// Sabotage the listener out-of-band. The accept loop treats this
	// as an unrecoverable accept error and exits.
	service.listener.Close()
	testutil.WaitFor(t, 5*time.Second, func() bool {
		select {
		case <-service.driverDone:
			return true
		default:
			return false
		}
	}, "driver exit")

	response := roundTrip(t, conn, br, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	if response.StatusCode != 404 {
		t.Errorf("status on surviving connection: got %d, want 404", response.StatusCode)
	}
}

// assertClosed verifies the server closed the connection: the next
// read returns EOF rather than another response.
func assertClosed(t *testing.T, conn net.Conn, br *bufio.Reader) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := br.ReadByte(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF on closed connection, got %v", err)
	}
}
