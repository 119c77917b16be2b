package probe

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/firewatch-io/firewatch/internal/camera"
)

func TestCheckOnlineStatuses(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		expected camera.Status
	}{
		{"ok", http.StatusOK, camera.StatusOnline},
		{"unauthorized is still reachable", http.StatusUnauthorized, camera.StatusOnline},
		{"not found is still reachable", http.StatusNotFound, camera.StatusOnline},
		{"server error", http.StatusInternalServerError, camera.StatusOffline},
		{"bad gateway", http.StatusBadGateway, camera.StatusOffline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			p := New(2 * time.Second)
			if got := p.Check(context.Background(), srv.URL); got != tt.expected {
				t.Errorf("Check() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestCheckClosedPortWithinTimeout(t *testing.T) {
	// Reserve a port, then close it so nothing is listening
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	p := New(2 * time.Second)

	start := time.Now()
	got := p.Check(context.Background(), "http://"+addr)
	elapsed := time.Since(start)

	if got != camera.StatusOffline {
		t.Errorf("Check(closed port) = %q, want offline", got)
	}
	if elapsed > p.Timeout()+500*time.Millisecond {
		t.Errorf("probe took %v, want under timeout %v plus epsilon", elapsed, p.Timeout())
	}
}

func TestCheckTimeoutBound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	p := New(300 * time.Millisecond)

	start := time.Now()
	got := p.Check(context.Background(), srv.URL)
	elapsed := time.Since(start)

	if got != camera.StatusOffline {
		t.Errorf("Check(hanging server) = %q, want offline", got)
	}
	if elapsed > time.Second {
		t.Errorf("probe took %v, want bounded by 300ms timeout", elapsed)
	}
}

func TestCheckSelfSignedTLS(t *testing.T) {
	// httptest TLS server uses an untrusted certificate; the probe must
	// still classify it online via its per-call insecure transport.
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New(2 * time.Second)
	if got := p.Check(context.Background(), srv.URL); got != camera.StatusOnline {
		t.Errorf("Check(self-signed https) = %q, want online", got)
	}
}

func TestCheckInvalidURL(t *testing.T) {
	p := New(time.Second)
	if got := p.Check(context.Background(), "://bad"); got != camera.StatusOffline {
		t.Errorf("Check(invalid URL) = %q, want offline", got)
	}
}
