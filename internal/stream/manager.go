// Package stream manages on-demand HLS sessions. Each camera gets at
// most one transcoder process writing a rolling playlist into its own
// directory; stale sessions are recycled on the next request.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/firewatch-io/firewatch/internal/config"
)

// ManifestName is the playlist file a session serves
const ManifestName = "index.m3u8"

// ErrStreamUnavailable is returned when a transcoder cannot produce a
// playable manifest in time.
var ErrStreamUnavailable = errors.New("stream unavailable")

var segmentPattern = regexp.MustCompile(`^segment_\d{3}\.ts$`)

const readyPollInterval = 200 * time.Millisecond

type session struct {
	proc    Process
	cancel  context.CancelFunc
	dir     string
	started time.Time
}

// Manager owns the per-camera HLS sessions
type Manager struct {
	launcher Launcher
	baseDir  string
	cfg      func() config.StreamConfig
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	locks    map[string]*sync.Mutex
}

// NewManager creates a session manager writing under baseDir
func NewManager(launcher Launcher, baseDir string, cfg func() config.StreamConfig, logger *slog.Logger) *Manager {
	return &Manager{
		launcher: launcher,
		baseDir:  baseDir,
		cfg:      cfg,
		logger:   logger.With("component", "stream"),
		sessions: make(map[string]*session),
		locks:    make(map[string]*sync.Mutex),
	}
}

// ManifestPath ensures a live session for the camera and returns the
// path of its playlist. A fresh existing session is reused; a dead or
// stale one is recycled. Safe for concurrent use; concurrent requests
// for one camera start at most one transcoder.
func (m *Manager) ManifestPath(ctx context.Context, cameraID, sourceURL string) (string, error) {
	lock := m.cameraLock(cameraID)
	lock.Lock()
	defer lock.Unlock()

	cfg := m.cfg()

	m.mu.Lock()
	sess := m.sessions[cameraID]
	m.mu.Unlock()

	if sess != nil && m.fresh(sess, cfg) {
		return filepath.Join(sess.dir, ManifestName), nil
	}
	if sess != nil {
		m.logger.Info("Recycling stale session", "camera_id", cameraID)
		m.teardown(cameraID, sess)
	}

	sess, err := m.startSession(cameraID, sourceURL, cfg)
	if err != nil {
		return "", err
	}

	manifest := filepath.Join(sess.dir, ManifestName)
	if err := m.waitForManifest(ctx, sess, manifest, cfg.ReadyTimeout); err != nil {
		m.teardown(cameraID, sess)
		return "", err
	}
	return manifest, nil
}

// SegmentPath resolves a segment file for a camera session. Only names
// matching the segment pattern are served, so a crafted name cannot
// escape the session directory.
func (m *Manager) SegmentPath(cameraID, name string) (string, error) {
	if !segmentPattern.MatchString(name) {
		return "", fmt.Errorf("invalid segment name %q", name)
	}

	m.mu.Lock()
	sess := m.sessions[cameraID]
	m.mu.Unlock()
	if sess == nil {
		return "", ErrStreamUnavailable
	}

	path := filepath.Join(sess.dir, name)
	if _, err := os.Stat(path); err != nil {
		return "", ErrStreamUnavailable
	}
	return path, nil
}

// Active reports whether a session currently exists for the camera
func (m *Manager) Active(cameraID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[cameraID] != nil
}

// StopSession tears down the camera's session if one exists
func (m *Manager) StopSession(cameraID string) {
	lock := m.cameraLock(cameraID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	sess := m.sessions[cameraID]
	m.mu.Unlock()
	if sess != nil {
		m.teardown(cameraID, sess)
	}
}

// Shutdown kills every running transcoder
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make(map[string]*session, len(m.sessions))
	for id, sess := range m.sessions {
		sessions[id] = sess
	}
	m.mu.Unlock()

	for id, sess := range sessions {
		m.teardown(id, sess)
	}
	m.logger.Info("All stream sessions stopped", "count", len(sessions))
}

func (m *Manager) cameraLock(cameraID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[cameraID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[cameraID] = lock
	}
	return lock
}

// fresh reports whether the session's process is alive and its
// playlist is still being updated. A session inside its startup grace
// counts as fresh even before the first segment lands.
func (m *Manager) fresh(sess *session, cfg config.StreamConfig) bool {
	select {
	case <-sess.proc.Done():
		return false
	default:
	}

	if time.Since(sess.started) < cfg.ReadyTimeout+cfg.ManifestGrace {
		return true
	}

	info, err := os.Stat(filepath.Join(sess.dir, ManifestName))
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) < cfg.Staleness
}

func (m *Manager) startSession(cameraID, sourceURL string, cfg config.StreamConfig) (*session, error) {
	dir := filepath.Join(m.baseDir, cameraID)
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("failed to clear session dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	proc, err := m.launcher.Launch(ctx, LaunchSpec{
		SourceURL:      sourceURL,
		Dir:            dir,
		SegmentSeconds: cfg.SegmentSeconds,
		ListSize:       cfg.ListSize,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrStreamUnavailable, err)
	}

	sess := &session{proc: proc, cancel: cancel, dir: dir, started: time.Now()}
	m.mu.Lock()
	m.sessions[cameraID] = sess
	m.mu.Unlock()

	m.logger.Info("Stream session started", "camera_id", cameraID)
	return sess, nil
}

// waitForManifest blocks until the playlist exists with content, the
// transcoder dies, or the ready timeout passes.
func (m *Manager) waitForManifest(ctx context.Context, sess *session, manifest string, timeout time.Duration) error {
	deadline := time.After(timeout)
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		if info, err := os.Stat(manifest); err == nil && info.Size() > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sess.proc.Done():
			return fmt.Errorf("%w: transcoder exited: %v", ErrStreamUnavailable, sess.proc.Err())
		case <-deadline:
			return fmt.Errorf("%w: manifest not ready after %s", ErrStreamUnavailable, timeout)
		case <-ticker.C:
		}
	}
}

func (m *Manager) teardown(cameraID string, sess *session) {
	sess.cancel()
	_ = sess.proc.Kill()

	m.mu.Lock()
	if m.sessions[cameraID] == sess {
		delete(m.sessions, cameraID)
	}
	m.mu.Unlock()

	if err := os.RemoveAll(sess.dir); err != nil {
		m.logger.Warn("Failed to remove session dir", "camera_id", cameraID, "error", err)
	}
	m.logger.Info("Stream session stopped", "camera_id", cameraID)
}
