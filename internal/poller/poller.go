// Package poller implements the fleet poller: a singleton loop that
// probes every registered camera on a fixed interval and maintains the
// derived monitoring state on each record.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/firewatch-io/firewatch/internal/camera"
	"github.com/firewatch-io/firewatch/internal/config"
	"github.com/firewatch-io/firewatch/internal/core"
)

// State represents the poller lifecycle state
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Checker probes a camera endpoint and reports its reachability
type Checker interface {
	Check(ctx context.Context, sourceURL string) camera.Status
}

// Bus receives poller events
type Bus interface {
	PublishCameraStatus(core.CameraStatusEvent) error
	PublishMonitorState(running bool) error
}

// Status is a point-in-time snapshot of the poller
type Status struct {
	State          State      `json:"state"`
	CycleCount     int64      `json:"cycle_count"`
	LastCycle      *time.Time `json:"last_cycle,omitempty"`
	CamerasOnline  int        `json:"cameras_online"`
	CamerasOffline int        `json:"cameras_offline"`
}

// Poller is the fleet monitoring loop. At most one loop runs per
// process; Start and Stop are idempotent and safe for concurrent use.
type Poller struct {
	store   *camera.Store
	checker Checker
	bus     Bus
	cfg     func() config.PollerConfig
	logger  *slog.Logger

	mu     sync.Mutex
	state  State
	stop   chan struct{}
	done   chan struct{}
	status Status
}

// New creates a fleet poller. cfg is read at each Start so config
// reloads take effect on the next start.
func New(store *camera.Store, checker Checker, bus Bus, cfg func() config.PollerConfig, logger *slog.Logger) *Poller {
	return &Poller{
		store:   store,
		checker: checker,
		bus:     bus,
		cfg:     cfg,
		logger:  logger.With("component", "poller"),
		state:   StateStopped,
		status:  Status{State: StateStopped},
	}
}

// Start launches the polling loop. Starting an already running poller
// is a no-op.
func (p *Poller) Start() error {
	p.mu.Lock()
	if p.state == StateRunning || p.state == StateStarting {
		p.mu.Unlock()
		return nil
	}
	if p.state == StateStopping {
		p.mu.Unlock()
		return errors.New("poller is stopping")
	}
	p.state = StateStarting

	cfg := p.cfg()
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	stop, done := p.stop, p.done

	p.state = StateRunning
	p.status.State = StateRunning
	p.mu.Unlock()

	p.logger.Info("Fleet poller started", "interval", cfg.Interval, "concurrency", cfg.Concurrency)
	if p.bus != nil {
		if err := p.bus.PublishMonitorState(true); err != nil {
			p.logger.Warn("Failed to publish monitor state", "error", err)
		}
	}

	go p.run(cfg, stop, done)
	return nil
}

// Stop halts the loop, waits for any in-flight cycle to finish, and
// marks every camera as no longer monitored. In-flight probes run to
// completion within their own timeout; a cycle is never cut short.
// Stopping a stopped poller is a no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return
	}
	p.state = StateStopping
	p.status.State = StateStopping
	stop, done := p.stop, p.done
	p.mu.Unlock()

	close(stop)
	<-done

	p.deactivateAll()

	p.mu.Lock()
	p.state = StateStopped
	p.status.State = StateStopped
	p.mu.Unlock()

	p.logger.Info("Fleet poller stopped")
	if p.bus != nil {
		if err := p.bus.PublishMonitorState(false); err != nil {
			p.logger.Warn("Failed to publish monitor state", "error", err)
		}
	}
}

// Running reports whether the loop is active
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateRunning
}

// Status returns a snapshot of the poller state and last cycle counts
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Poller) run(cfg config.PollerConfig, stop <-chan struct{}, done chan struct{}) {
	defer close(done)

	// Cycles run on a background context: stopping the poller lets the
	// cycle in flight finish, it never aborts probes midway.
	ctx := context.Background()

	// First cycle immediately so newly started monitoring reflects
	// fleet state without waiting a full interval.
	p.cycle(ctx, cfg)

	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// A cycle that overruns the interval delays the next tick;
			// the ticker drops intermediate ticks, so cycles never
			// stack or run concurrently.
			p.cycle(ctx, cfg)
		}
	}
}

// cycle probes every camera once with bounded concurrency. Cameras
// without a source URL are left untouched.
func (p *Poller) cycle(ctx context.Context, cfg config.PollerConfig) {
	cameras, err := p.store.List(ctx, "")
	if err != nil {
		p.logger.Error("Failed to list cameras", "error", err)
		return
	}

	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	results := make([]camera.Status, len(cameras))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, cam := range cameras {
		if cam.RemoteURL() == "" {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, cam *camera.Camera) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = p.checkCamera(ctx, cam)
		}(i, cam)
	}
	wg.Wait()

	// Skipped cameras keep the zero status and count in neither bucket
	online := lo.Count(results, camera.StatusOnline)
	offline := lo.Count(results, camera.StatusOffline)
	now := time.Now()

	p.mu.Lock()
	p.status.CycleCount++
	p.status.LastCycle = &now
	p.status.CamerasOnline = online
	p.status.CamerasOffline = offline
	p.mu.Unlock()

	p.logger.Debug("Poll cycle complete",
		"cameras", len(cameras),
		"online", online,
		"offline", offline)
}

// checkCamera probes one camera and persists the derived state.
// A camera is actively monitored only while it is online and has AI
// monitoring enabled; the server status mirrors that, so the three
// fields can never disagree on disk. The poller is their sole writer.
func (p *Poller) checkCamera(ctx context.Context, cam *camera.Camera) camera.Status {
	status := p.checker.Check(ctx, cam.RemoteURL())

	now := time.Now()
	active := status == camera.StatusOnline && cam.AIMonitoring
	serverStatus := camera.ServerStopped
	if active {
		serverStatus = camera.ServerRunning
	}

	fields := map[string]interface{}{
		"status":                   status,
		"last_checked":             now,
		"monitoring_active":        active,
		"monitoring_server_status": serverStatus,
	}
	if active && cam.MonitoringStarted == nil {
		fields["monitoring_started"] = now
	}

	if err := p.store.UpdateFields(ctx, cam.ID, fields); err != nil {
		// Deleted mid-cycle; nothing to record.
		if errors.Is(err, camera.ErrNotFound) {
			return status
		}
		p.logger.Error("Failed to update camera state", "camera_id", cam.ID, "error", err)
		return status
	}

	if status != cam.Status || active != cam.MonitoringActive {
		p.logger.Info("Camera state changed",
			"camera_id", cam.ID,
			"status", status,
			"monitoring_active", active)
		if p.bus != nil {
			if err := p.bus.PublishCameraStatus(core.CameraStatusEvent{
				CameraID:         cam.ID,
				Status:           string(status),
				MonitoringActive: active,
			}); err != nil {
				p.logger.Warn("Failed to publish camera status", "camera_id", cam.ID, "error", err)
			}
		}
	}
	return status
}

// deactivateAll clears the derived monitoring state on every camera
// after the loop has stopped.
func (p *Poller) deactivateAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cameras, err := p.store.List(ctx, "")
	if err != nil {
		p.logger.Error("Failed to list cameras during shutdown", "error", err)
		return
	}

	now := time.Now()
	for _, cam := range cameras {
		fields := map[string]interface{}{
			"monitoring_active":        false,
			"monitoring_server_status": camera.ServerStopped,
		}
		if cam.MonitoringActive {
			fields["monitoring_stopped"] = now
		}
		if err := p.store.UpdateFields(ctx, cam.ID, fields); err != nil && !errors.Is(err, camera.ErrNotFound) {
			p.logger.Error("Failed to deactivate camera", "camera_id", cam.ID, "error", err)
		}
	}
}
