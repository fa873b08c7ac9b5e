// Package perfdata ships the daemon's metrics to an InfluxDB v1 or v2
// HTTP endpoint. Points are rendered to line protocol as they arrive,
// buffered, and flushed as one write per batch.
package perfdata

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/infraknit/icinga2/internal/config"
)

// maxErrorBodyBytes caps how much of an InfluxDB error response is
// read for diagnostics.
const maxErrorBodyBytes = 4096

// Point is one measurement sample.
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]any
	Time        time.Time
}

// Writer batches line-protocol points and flushes them to InfluxDB.
// Add and Flush are safe for concurrent use.
type Writer struct {
	cfg    config.PerfdataConfig
	logger *slog.Logger
	httpc  *http.Client

	mu     sync.Mutex
	buffer []string
}

// NewWriter creates a writer for a validated perfdata configuration.
func NewWriter(cfg config.PerfdataConfig, logger *slog.Logger) *Writer {
	return &Writer{
		cfg:    cfg,
		logger: logger.With("component", "perfdata"),
		httpc:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Add buffers one point. Reaching the flush threshold flushes
// immediately instead of waiting for the timer.
func (w *Writer) Add(point Point) {
	line := formatLine(point)

	w.mu.Lock()
	w.buffer = append(w.buffer, line)
	full := len(w.buffer) >= w.cfg.FlushThreshold
	w.mu.Unlock()

	if full {
		if err := w.Flush(); err != nil {
			w.logger.Error("cannot flush perfdata", "error", err)
		}
	}
}

// Buffered returns the number of lines waiting for the next flush.
func (w *Writer) Buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// Flush writes all buffered lines in one request. The batch is
// consumed either way; a failed write is reported, not retried.
func (w *Writer) Flush() error {
	w.mu.Lock()
	batch := w.buffer
	w.buffer = nil
	w.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	endpoint, err := w.endpoint()
	if err != nil {
		return err
	}

	body := strings.Join(batch, "\n")
	request, err := http.NewRequest(http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("assembling influxdb request: %w", err)
	}
	request.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if w.cfg.Bucket != "" {
		request.Header.Set("Authorization", "Token "+w.cfg.AuthToken)
	}

	response, err := w.httpc.Do(request)
	if err != nil {
		return fmt.Errorf("writing to influxdb: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode/100 != 2 {
		detail, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		return fmt.Errorf("influxdb rejected %d lines: %s: %s",
			len(batch), response.Status, strings.TrimSpace(string(detail)))
	}

	w.logger.Debug("flushed perfdata", "lines", len(batch))
	return nil
}

// endpoint assembles the write URL: /api/v2/write with org and bucket
// for v2, /write with db and credentials for v1. Timestamps are sent
// with second precision.
func (w *Writer) endpoint() (string, error) {
	base, err := url.Parse(w.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("malformed influxdb url %q: %w", w.cfg.URL, err)
	}

	query := url.Values{}
	query.Set("precision", "seconds")
	if w.cfg.Bucket != "" {
		base.Path = strings.TrimSuffix(base.Path, "/") + "/api/v2/write"
		query.Set("org", w.cfg.Organization)
		query.Set("bucket", w.cfg.Bucket)
	} else {
		base.Path = strings.TrimSuffix(base.Path, "/") + "/write"
		query.Set("db", w.cfg.Database)
		if w.cfg.Username != "" {
			query.Set("u", w.cfg.Username)
		}
		if w.cfg.Password != "" {
			query.Set("p", w.cfg.Password)
		}
	}
	base.RawQuery = query.Encode()
	return base.String(), nil
}

// formatLine renders one point as InfluxDB line protocol. Tag and
// field keys are sorted so output is deterministic.
func formatLine(point Point) string {
	var b strings.Builder
	b.WriteString(escapeKey(point.Measurement))

	for _, key := range sortedKeys(point.Tags) {
		b.WriteByte(',')
		b.WriteString(escapeKey(key))
		b.WriteByte('=')
		b.WriteString(escapeKey(point.Tags[key]))
	}

	b.WriteByte(' ')
	first := true
	for _, key := range sortedFieldKeys(point.Fields) {
		if !first {
			b.WriteByte(',')
		}
		first = false
		b.WriteString(escapeKey(key))
		b.WriteByte('=')
		b.WriteString(formatValue(point.Fields[key]))
	}

	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(point.Time.Unix(), 10))
	return b.String()
}

var keyEscaper = strings.NewReplacer(`\`, `\\`, ",", `\,`, "=", `\=`, " ", `\ `)

func escapeKey(s string) string {
	return keyEscaper.Replace(s)
}

func formatValue(v any) string {
	switch v := v.(type) {
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.FormatInt(int64(v), 10) + "i"
	case int64:
		return strconv.FormatInt(v, 10) + "i"
	case uint32:
		return strconv.FormatUint(uint64(v), 10) + "i"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case string:
		return quoteValue(v)
	default:
		return quoteValue(fmt.Sprint(v))
	}
}

func quoteValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func sortedFieldKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
