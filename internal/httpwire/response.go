package httpwire

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"sort"
	"strconv"
)

// Response is one management response ready to be serialized. Routers
// fill in status, headers and body; the connection writes it.
type Response struct {
	Status int
	Proto  string
	Header textproto.MIMEHeader
	Body   []byte
}

// NewResponse returns an empty 200 response.
func NewResponse() *Response {
	return &Response{
		Status: http.StatusOK,
		Proto:  "HTTP/1.1",
		Header: make(textproto.MIMEHeader),
	}
}

// SetJSONBody serializes v as the response body and sets the content
// type accordingly.
func (r *Response) SetJSONBody(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding response body: %w", err)
	}
	r.Header.Set("Content-Type", "application/json")
	r.Body = data
	return nil
}

// Write serializes the response. Content-Length is derived from the
// body; headers are emitted in sorted order so output is
// deterministic.
func (r *Response) Write(w io.Writer) error {
	reason := http.StatusText(r.Status)
	if reason == "" {
		reason = "Unknown"
	}
	if _, err := fmt.Fprintf(w, "%s %d %s\r\n", r.Proto, r.Status, reason); err != nil {
		return err
	}

	r.Header.Set("Content-Length", strconv.Itoa(len(r.Body)))
	keys := make([]string, 0, len(r.Header))
	for key := range r.Header {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		for _, value := range r.Header[key] {
			if _, err := fmt.Fprintf(w, "%s: %s\r\n", key, value); err != nil {
				return err
			}
		}
	}

	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return err
	}
	if len(r.Body) == 0 {
		return nil
	}
	_, err := w.Write(r.Body)
	return err
}
