// Package proxy relays a camera's native stream to a browser client.
// Cameras rarely document their stream path, so the proxy tries a
// short list of well-known endpoint suffixes before giving up.
package proxy

import (
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/firewatch-io/firewatch/internal/config"
)

// ErrNoStreamFound is returned when no candidate endpoint yields a
// media response.
var ErrNoStreamFound = errors.New("no stream endpoint found")

// mediaTypes are the content type prefixes accepted as a stream.
// Anything else (typically an HTML admin page) is not relayable.
var mediaTypes = []string{
	"video/",
	"image/",
	"application/octet-stream",
	"multipart/x-mixed-replace",
}

// Proxy relays camera streams over HTTP
type Proxy struct {
	cfg    func() config.ProxyConfig
	logger *slog.Logger
}

// New creates a live stream proxy
func New(cfg func() config.ProxyConfig, logger *slog.Logger) *Proxy {
	return &Proxy{
		cfg:    cfg,
		logger: logger.With("component", "proxy"),
	}
}

// Relay probes the camera's candidate endpoints in order and streams
// the first media response to the client. Returns ErrNoStreamFound
// when every candidate answers with something other than media.
func (p *Proxy) Relay(w http.ResponseWriter, r *http.Request, sourceURL string) error {
	cfg := p.cfg()

	for _, target := range candidateURLs(sourceURL, cfg.Candidates) {
		resp, err := p.attempt(r, target, cfg)
		if err != nil {
			p.logger.Debug("Candidate failed", "url", target, "error", err)
			continue
		}

		contentType := resp.Header.Get("Content-Type")
		if resp.StatusCode < 200 || resp.StatusCode >= 300 || !isMedia(contentType) {
			resp.Body.Close()
			p.logger.Debug("Candidate is not a media stream",
				"url", target, "status", resp.StatusCode, "content_type", contentType)
			continue
		}

		p.logger.Info("Relaying stream", "url", target, "content_type", contentType)
		p.stream(w, resp)
		return nil
	}
	return ErrNoStreamFound
}

// attempt opens one candidate endpoint. The timeout only bounds the
// connection and response headers; the relay itself runs until the
// client or camera disconnects.
func (p *Proxy) attempt(r *http.Request, target string, cfg config.ProxyConfig) (*http.Response, error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "FireWatchMonitor/1.0")
	req.Header.Set("Accept", "*/*")
	if rng := r.Header.Get("Range"); rng != "" {
		req.Header.Set("Range", rng)
	}

	transport := transportFor(target)
	transport.ResponseHeaderTimeout = cfg.Timeout
	transport.DialContext = (&net.Dialer{Timeout: cfg.Timeout}).DialContext

	client := &http.Client{Transport: transport}
	return client.Do(req)
}

// stream copies the upstream response to the client. Media responses
// are viewable from any web origin and never cached.
func (p *Proxy) stream(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "no-cache")
	for _, h := range []string{"Content-Length", "Accept-Ranges", "Content-Range"} {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		p.logger.Debug("Relay ended", "error", err)
	}
}

// candidateURLs builds the ordered probe list: each suffix appended to
// the trimmed source, then the source itself.
func candidateURLs(sourceURL string, suffixes []string) []string {
	base := strings.TrimRight(sourceURL, "/")
	urls := make([]string, 0, len(suffixes)+1)
	for _, suffix := range suffixes {
		urls = append(urls, base+suffix)
	}
	return append(urls, sourceURL)
}

func isMedia(contentType string) bool {
	ct := strings.ToLower(contentType)
	for _, prefix := range mediaTypes {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}

// transportFor builds a throwaway transport per attempt. Cameras with
// self-signed certificates are common, so HTTPS targets skip
// verification without touching any shared client state.
func transportFor(target string) *http.Transport {
	t := &http.Transport{DisableKeepAlives: true}
	if strings.HasPrefix(target, "https:") {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return t
}
