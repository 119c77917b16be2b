// Package probe performs single-shot camera reachability checks
package probe

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/firewatch-io/firewatch/internal/camera"
)

// userAgent identifies probe traffic in camera access logs
const userAgent = "FireWatchMonitor/1.0"

// Prober classifies a camera source URL as online or offline with a single
// bounded-timeout request. Each probe builds its own transport so TLS
// relaxation for self-signed camera certificates is scoped to that one call
// and cannot race with concurrent probes.
type Prober struct {
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a prober with the given per-probe timeout
func New(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{
		timeout: timeout,
		logger:  slog.Default().With("component", "prober"),
	}
}

// Timeout returns the configured per-probe timeout
func (p *Prober) Timeout() time.Duration {
	return p.timeout
}

// Check probes one source URL. Reachability is what is measured: any
// completed response below 500 counts as online, including client errors
// from cameras behind auth walls. Timeouts, refused connections, DNS and
// TLS failures, and 5xx responses are offline.
func (p *Prober) Check(ctx context.Context, sourceURL string) camera.Status {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		p.logger.Debug("Probe rejected URL", "url", sourceURL, "error", err)
		return camera.StatusOffline
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "*/*")

	client := p.clientFor(sourceURL)
	defer client.CloseIdleConnections()

	resp, err := client.Do(req)
	if err != nil {
		// Routine for offline cameras; keep it quiet
		p.logger.Debug("Probe failed", "url", sourceURL, "error", err)
		return camera.StatusOffline
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return camera.StatusOffline
	}
	return camera.StatusOnline
}

// clientFor builds a throwaway client for one probe. Consumer cameras
// routinely serve self-signed certificates, so verification is disabled for
// https sources on this transport only.
func (p *Prober) clientFor(sourceURL string) *http.Client {
	transport := &http.Transport{
		DisableKeepAlives: true,
	}
	if strings.HasPrefix(sourceURL, "https:") {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{
		Timeout:   p.timeout,
		Transport: transport,
	}
}
