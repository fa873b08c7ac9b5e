package daemon

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/infraknit/icinga2/internal/config"
	"github.com/infraknit/icinga2/internal/testutil"
)

func TestPerfdataShipsMetrics(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	influx := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer influx.Close()

	cfg := config.Default()
	cfg.Perfdata.Enabled = true
	cfg.Perfdata.URL = influx.URL
	cfg.Perfdata.Database = "icinga"

	socketPath := testutil.SocketPath(t)
	d, err := New(Options{
		Config: cfg,
		Paths: &config.Paths{
			RunDir:     filepath.Dir(socketPath),
			SocketPath: socketPath,
		},
		LogWriter: io.Discard,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d.perfdata == nil {
		t.Fatal("perfdata writer not constructed for an enabled config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	testutil.WaitForSocket(t, socketPath, 5*time.Second)

	// Shutdown takes one final sample and flushes it.
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) == 0 {
		t.Fatal("no perfdata writes received")
	}
	if !strings.Contains(bodies[len(bodies)-1], "icinga2_daemon") {
		t.Errorf("last write is missing the daemon measurement: %q", bodies[len(bodies)-1])
	}
}

func TestPerfdataDisabledByDefault(t *testing.T) {
	d := testDaemon(t)
	if d.perfdata != nil {
		t.Error("perfdata writer constructed for a disabled config")
	}
}
