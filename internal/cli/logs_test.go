package cli

import (
	"testing"
	"time"

	"github.com/infraknit/icinga2/internal/daemon"
)

func TestFormatEntryFieldsSorted(t *testing.T) {
	entry := daemon.LogEntry{
		Timestamp: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		Level:     "INFO",
		Message:   "request",
		Fields: map[string]any{
			"target": "/v1/status",
			"agent":  "curl/8.0",
			"method": "GET",
		},
	}

	want := "2026-08-30 12:00:00 INFO  request agent=curl/8.0 method=GET target=/v1/status"
	for i := 0; i < 10; i++ {
		if got := formatEntry(entry); got != want {
			t.Fatalf("formatEntry:\n got %q\nwant %q", got, want)
		}
	}
}

func TestFormatEntryNoFields(t *testing.T) {
	entry := daemon.LogEntry{
		Timestamp: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		Level:     "ERROR",
		Message:   "boom",
	}

	if got := formatEntry(entry); got != "2026-08-30 12:00:00 ERROR boom" {
		t.Errorf("formatEntry: got %q", got)
	}
}
