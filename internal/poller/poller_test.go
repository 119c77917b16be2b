package poller

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/firewatch-io/firewatch/internal/camera"
	"github.com/firewatch-io/firewatch/internal/config"
	"github.com/firewatch-io/firewatch/internal/core"
	"github.com/firewatch-io/firewatch/internal/database"
)

// fakeChecker reports a fixed status per URL and records probes
type fakeChecker struct {
	mu       sync.Mutex
	statuses map[string]camera.Status
	probed   []string
	delay    time.Duration
	calls    atomic.Int64
}

func (f *fakeChecker) Check(_ context.Context, url string) camera.Status {
	f.calls.Add(1)
	f.mu.Lock()
	f.probed = append(f.probed, url)
	delay := f.delay
	status, ok := f.statuses[url]
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if ok {
		return status
	}
	return camera.StatusOffline
}

func (f *fakeChecker) probedURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.probed...)
}

type recordingBus struct {
	mu     sync.Mutex
	status []core.CameraStatusEvent
	states []bool
}

func (b *recordingBus) PublishCameraStatus(event core.CameraStatusEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = append(b.status, event)
	return nil
}

func (b *recordingBus) PublishMonitorState(running bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states = append(b.states, running)
	return nil
}

func (b *recordingBus) statusEvents() []core.CameraStatusEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]core.CameraStatusEvent(nil), b.status...)
}

func newTestStore(t *testing.T) *camera.Store {
	t.Helper()

	cfg := database.DefaultConfig(t.TempDir())
	cfg.Path = filepath.Join(filepath.Dir(cfg.Path), "test.db")
	db, err := database.Open(cfg)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := database.NewMigrator(db).Run(context.Background()); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	return camera.NewStore(db)
}

func addCamera(t *testing.T, store *camera.Store, name, url string, ai bool) *camera.Camera {
	t.Helper()

	cam := &camera.Camera{Name: name, SourceURL: url, Location: name, AIMonitoring: ai}
	if err := store.Create(context.Background(), cam); err != nil {
		t.Fatalf("failed to create camera: %v", err)
	}
	return cam
}

// pollerConfig keeps the interval long enough that only the immediate
// first cycle runs during a test unless the test waits for more.
func pollerConfig() func() config.PollerConfig {
	return func() config.PollerConfig {
		return config.PollerConfig{
			Interval:     time.Hour,
			ProbeTimeout: time.Second,
			Concurrency:  4,
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestCycleDerivesMonitoringState(t *testing.T) {
	store := newTestStore(t)
	online := addCamera(t, store, "online-ai", "http://cam-online/", true)
	offline := addCamera(t, store, "offline-ai", "http://cam-offline/", true)
	noAI := addCamera(t, store, "online-no-ai", "http://cam-plain/", false)

	checker := &fakeChecker{statuses: map[string]camera.Status{
		"http://cam-online/": camera.StatusOnline,
		"http://cam-plain/":  camera.StatusOnline,
	}}
	bus := &recordingBus{}

	p := New(store, checker, bus, pollerConfig(), slog.Default())
	if err := p.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer p.Stop()

	waitFor(t, 5*time.Second, func() bool { return p.Status().CycleCount >= 1 })

	ctx := context.Background()
	got, err := store.Get(ctx, online.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != camera.StatusOnline || !got.MonitoringActive {
		t.Errorf("online AI camera: status=%s active=%v, want online/true", got.Status, got.MonitoringActive)
	}
	if got.ServerStatus != camera.ServerRunning {
		t.Errorf("online AI camera: server status %s, want running", got.ServerStatus)
	}
	if got.MonitoringStarted == nil {
		t.Error("expected monitoring_started to be stamped")
	}
	if got.LastChecked == nil {
		t.Error("expected last_checked to be stamped")
	}

	got, err = store.Get(ctx, offline.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != camera.StatusOffline || got.MonitoringActive {
		t.Errorf("offline camera: status=%s active=%v, want offline/false", got.Status, got.MonitoringActive)
	}
	if got.ServerStatus != camera.ServerStopped {
		t.Errorf("offline camera: server status %s, want stopped", got.ServerStatus)
	}
	if got.MonitoringStarted != nil {
		t.Error("offline camera must not have monitoring_started stamped")
	}

	got, err = store.Get(ctx, noAI.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != camera.StatusOnline || got.MonitoringActive {
		t.Errorf("non-AI camera: status=%s active=%v, want online/false", got.Status, got.MonitoringActive)
	}
	if got.ServerStatus != camera.ServerStopped {
		t.Errorf("non-AI camera: server status %s, want stopped", got.ServerStatus)
	}

	status := p.Status()
	if status.CamerasOnline != 2 || status.CamerasOffline != 1 {
		t.Errorf("cycle counts: online=%d offline=%d, want 2/1", status.CamerasOnline, status.CamerasOffline)
	}
}

func TestCycleSkipsCamerasWithoutSourceURL(t *testing.T) {
	store := newTestStore(t)
	probed := addCamera(t, store, "with-url", "http://cam/", true)
	blank := addCamera(t, store, "no-url", "", true)

	checker := &fakeChecker{statuses: map[string]camera.Status{
		"http://cam/": camera.StatusOnline,
	}}

	p := New(store, checker, nil, pollerConfig(), slog.Default())
	if err := p.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer p.Stop()

	waitFor(t, 5*time.Second, func() bool { return p.Status().CycleCount >= 1 })

	for _, url := range checker.probedURLs() {
		if url == "" {
			t.Error("camera with empty source URL was probed")
		}
	}

	ctx := context.Background()
	got, err := store.Get(ctx, blank.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.LastChecked != nil {
		t.Error("camera with empty source URL must not get last_checked stamped")
	}
	if got.Status != camera.StatusOffline || got.MonitoringActive {
		t.Error("camera with empty source URL must keep its record untouched")
	}

	got, err = store.Get(ctx, probed.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.LastChecked == nil {
		t.Error("camera with a source URL must still be probed")
	}

	status := p.Status()
	if status.CamerasOnline != 1 || status.CamerasOffline != 0 {
		t.Errorf("cycle counts: online=%d offline=%d, want 1/0", status.CamerasOnline, status.CamerasOffline)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	addCamera(t, store, "cam", "http://cam/", false)

	checker := &fakeChecker{}
	p := New(store, checker, nil, pollerConfig(), slog.Default())

	if err := p.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("second start failed: %v", err)
	}
	defer p.Stop()

	waitFor(t, 5*time.Second, func() bool { return checker.calls.Load() >= 1 })
	time.Sleep(100 * time.Millisecond)

	// With an hour-long interval only the immediate first cycle runs,
	// so a duplicate loop would show up as extra probes.
	if calls := checker.calls.Load(); calls != 1 {
		t.Errorf("expected exactly 1 probe, got %d", calls)
	}
}

func TestStopDeactivatesCameras(t *testing.T) {
	store := newTestStore(t)
	cam := addCamera(t, store, "cam", "http://cam/", true)

	checker := &fakeChecker{statuses: map[string]camera.Status{
		"http://cam/": camera.StatusOnline,
	}}
	bus := &recordingBus{}

	p := New(store, checker, bus, pollerConfig(), slog.Default())
	if err := p.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return p.Status().CycleCount >= 1 })

	p.Stop()
	if p.Running() {
		t.Error("poller still running after Stop")
	}

	got, err := store.Get(context.Background(), cam.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.MonitoringActive {
		t.Error("expected monitoring_active cleared after Stop")
	}
	if got.ServerStatus != camera.ServerStopped {
		t.Errorf("expected server status stopped, got %s", got.ServerStatus)
	}
	if got.MonitoringStopped == nil {
		t.Error("expected monitoring_stopped stamped")
	}

	// Stop again is a no-op
	p.Stop()
}

func TestStopWaitsForInFlightProbes(t *testing.T) {
	store := newTestStore(t)
	cam := addCamera(t, store, "slow", "http://slow-cam/", false)

	checker := &fakeChecker{
		statuses: map[string]camera.Status{"http://slow-cam/": camera.StatusOnline},
		delay:    200 * time.Millisecond,
	}

	p := New(store, checker, nil, pollerConfig(), slog.Default())
	if err := p.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// Stop while the first cycle's probe is still sleeping
	waitFor(t, 5*time.Second, func() bool { return checker.calls.Load() >= 1 })
	p.Stop()

	// The probe ran to completion and its result was persisted
	got, err := store.Get(context.Background(), cam.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != camera.StatusOnline {
		t.Errorf("in-flight probe result discarded: status %s, want online", got.Status)
	}
	if got.LastChecked == nil {
		t.Error("in-flight probe must stamp last_checked before the poller stops")
	}
}

func TestStatusTransitionsPublished(t *testing.T) {
	store := newTestStore(t)
	cam := addCamera(t, store, "cam", "http://cam/", true)

	checker := &fakeChecker{statuses: map[string]camera.Status{
		"http://cam/": camera.StatusOnline,
	}}
	bus := &recordingBus{}

	p := New(store, checker, bus, pollerConfig(), slog.Default())
	if err := p.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer p.Stop()
	waitFor(t, 5*time.Second, func() bool { return len(bus.statusEvents()) >= 1 })

	events := bus.statusEvents()
	if events[0].CameraID != cam.ID {
		t.Errorf("expected event for %s, got %s", cam.ID, events[0].CameraID)
	}
	if events[0].Status != string(camera.StatusOnline) || !events[0].MonitoringActive {
		t.Errorf("unexpected event payload: %+v", events[0])
	}
}
