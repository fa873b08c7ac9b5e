// Package httpwire implements the HTTP/1.x wire protocol spoken on the
// daemon's control socket: request parsing with hard size ceilings,
// response serialization, and the JSON error envelope.
//
// The stock net/http server is deliberately not used here. The control
// protocol answers malformed requests with a JSON 400 body, gates on
// the exact protocol version, and makes its own keep-alive decision;
// none of that is reachable through http.Server's error paths.
package httpwire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"
)

const (
	// MaxHeaderBytes caps the request line plus header section.
	MaxHeaderBytes = 1024 * 1024

	// MaxBodyBytes caps the decoded request body.
	MaxBodyBytes = 1024 * 1024

	// maxChunkLineBytes caps a single chunk-size or trailer line.
	maxChunkLineBytes = 4096
)

var (
	// ErrHeaderTooLarge is returned when the header section exceeds
	// MaxHeaderBytes.
	ErrHeaderTooLarge = errors.New("request header exceeds size limit")

	// ErrBodyTooLarge is returned when the decoded body exceeds
	// MaxBodyBytes.
	ErrBodyTooLarge = errors.New("request body exceeds size limit")

	errLineTooLong = errors.New("line exceeds size limit")
)

// Request is one parsed management request.
type Request struct {
	Method     string
	Target     string
	Proto      string // e.g. "HTTP/1.1"
	ProtoMajor int
	ProtoMinor int
	Header     textproto.MIMEHeader
	Body       []byte
}

// UserAgent returns the User-Agent header, or "" when absent. A
// missing header is never an error.
func (r *Request) UserAgent() string {
	return r.Header.Get("User-Agent")
}

// SupportedVersion reports whether the request's protocol version is
// one the control endpoint serves. Only HTTP/1.0 and HTTP/1.1 are.
func (r *Request) SupportedVersion() bool {
	return r.ProtoMajor == 1 && (r.ProtoMinor == 0 || r.ProtoMinor == 1)
}

// KeepAlive reports whether the connection may serve another request
// after this one: HTTP/1.1 without an explicit Connection: close.
func (r *Request) KeepAlive() bool {
	if r.ProtoMajor != 1 || r.ProtoMinor != 1 {
		return false
	}
	return !strings.EqualFold(r.Header.Get("Connection"), "close")
}

// ReadHeader reads and parses the request line and header section of
// the next request from br. The bytes consumed are charged against
// MaxHeaderBytes; exceeding it yields ErrHeaderTooLarge.
func ReadHeader(br *bufio.Reader) (*Request, error) {
	budget := MaxHeaderBytes

	line, err := readLine(br, &budget, ErrHeaderTooLarge)
	if err != nil {
		return nil, err
	}
	request, err := parseRequestLine(line)
	if err != nil {
		return nil, err
	}

	for {
		line, err := readLine(br, &budget, ErrHeaderTooLarge)
		if err != nil {
			return nil, err
		}
		if line == "" {
			return request, nil
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || name == "" || strings.ContainsAny(name, " \t") {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		request.Header.Add(name, strings.TrimSpace(value))
	}
}

// ReadBody reads the request body from br into request.Body, honoring
// Transfer-Encoding: chunked and Content-Length, in that order of
// precedence. A request with neither header has no body.
func ReadBody(br *bufio.Reader, request *Request) error {
	if te := request.Header.Get("Transfer-Encoding"); te != "" {
		if !strings.EqualFold(te, "chunked") {
			return fmt.Errorf("unsupported transfer encoding %q", te)
		}
		body, err := readChunked(br)
		if err != nil {
			return err
		}
		request.Body = body
		return nil
	}

	cl := request.Header.Get("Content-Length")
	if cl == "" {
		return nil
	}
	length, err := strconv.ParseInt(cl, 10, 64)
	if err != nil || length < 0 {
		return fmt.Errorf("malformed Content-Length %q", cl)
	}
	if length > MaxBodyBytes {
		return ErrBodyTooLarge
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(br, body); err != nil {
		return err
	}
	request.Body = body
	return nil
}

func parseRequestLine(line string) (*Request, error) {
	method, rest, ok := strings.Cut(line, " ")
	if !ok {
		return nil, fmt.Errorf("malformed request line %q", line)
	}
	target, proto, ok := strings.Cut(rest, " ")
	if !ok || method == "" || target == "" {
		return nil, fmt.Errorf("malformed request line %q", line)
	}
	major, minor, ok := parseVersion(proto)
	if !ok {
		return nil, fmt.Errorf("malformed HTTP version %q", proto)
	}
	return &Request{
		Method:     method,
		Target:     target,
		Proto:      proto,
		ProtoMajor: major,
		ProtoMinor: minor,
		Header:     make(textproto.MIMEHeader),
	}, nil
}

func parseVersion(proto string) (major, minor int, ok bool) {
	rest, found := strings.CutPrefix(proto, "HTTP/")
	if !found {
		return 0, 0, false
	}
	majStr, minStr, found := strings.Cut(rest, ".")
	if !found {
		return 0, 0, false
	}
	major, ok = atoiStrict(majStr)
	if !ok {
		return 0, 0, false
	}
	minor, ok = atoiStrict(minStr)
	if !ok {
		return 0, 0, false
	}
	return major, minor, true
}

// atoiStrict parses a short run of ASCII digits. Unlike strconv.Atoi
// it rejects signs and whitespace.
func atoiStrict(s string) (int, bool) {
	if s == "" || len(s) > 3 {
		return 0, false
	}
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
		n = n*10 + int(s[i]-'0')
	}
	return n, true
}

// readLine reads one LF-terminated line, stripping the trailing CRLF.
// The raw length read is charged against *budget; when the budget is
// exhausted, overflow is returned.
func readLine(br *bufio.Reader, budget *int, overflow error) (string, error) {
	var line []byte
	for {
		frag, err := br.ReadSlice('\n')
		line = append(line, frag...)
		*budget -= len(frag)
		if *budget < 0 {
			return "", overflow
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return "", err
	}
	end := len(line) - 1
	if end > 0 && line[end-1] == '\r' {
		end--
	}
	return string(line[:end]), nil
}

func readChunked(br *bufio.Reader) ([]byte, error) {
	var body []byte
	for {
		budget := maxChunkLineBytes
		line, err := readLine(br, &budget, errLineTooLong)
		if err != nil {
			return nil, err
		}
		if i := strings.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		size, err := strconv.ParseUint(strings.TrimSpace(line), 16, 32)
		if err != nil {
			return nil, fmt.Errorf("malformed chunk size %q", line)
		}
		if size == 0 {
			break
		}
		// Compared in uint64 so a chunk size near the 32-bit limit
		// cannot wrap negative through an int conversion.
		if uint64(len(body))+size > MaxBodyBytes {
			return nil, ErrBodyTooLarge
		}
		chunk := make([]byte, size)
		if _, err := io.ReadFull(br, chunk); err != nil {
			return nil, err
		}
		body = append(body, chunk...)
		if err := expectCRLF(br); err != nil {
			return nil, err
		}
	}

	// Trailer section, consumed up to the terminating blank line.
	for {
		budget := maxChunkLineBytes
		line, err := readLine(br, &budget, errLineTooLong)
		if err != nil {
			return nil, err
		}
		if line == "" {
			return body, nil
		}
	}
}

func expectCRLF(br *bufio.Reader) error {
	var terminator [2]byte
	if _, err := io.ReadFull(br, terminator[:]); err != nil {
		return err
	}
	if terminator[0] != '\r' || terminator[1] != '\n' {
		return fmt.Errorf("malformed chunk terminator %q", terminator)
	}
	return nil
}
