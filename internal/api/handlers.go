package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/firewatch-io/firewatch/internal/camera"
	"github.com/firewatch-io/firewatch/internal/database"
	"github.com/firewatch-io/firewatch/internal/detection"
	"github.com/firewatch-io/firewatch/internal/incident"
	"github.com/firewatch-io/firewatch/internal/poller"
	"github.com/firewatch-io/firewatch/internal/probe"
	"github.com/firewatch-io/firewatch/internal/proxy"
	"github.com/firewatch-io/firewatch/internal/stream"
)

// Handlers carries the service dependencies for the HTTP API
type Handlers struct {
	db         *database.DB
	cameras    *camera.Store
	incidents  *incident.Store
	detections *detection.Service
	poller     *poller.Poller
	prober     *probe.Prober
	streams    *stream.Manager
	proxy      *proxy.Proxy
	hub        *Hub
	validate   *validator.Validate
	logger     *slog.Logger
}

// NewHandlers creates the API handler set
func NewHandlers(
	db *database.DB,
	cameras *camera.Store,
	incidents *incident.Store,
	detections *detection.Service,
	p *poller.Poller,
	prober *probe.Prober,
	streams *stream.Manager,
	pr *proxy.Proxy,
	hub *Hub,
	logger *slog.Logger,
) *Handlers {
	return &Handlers{
		db:         db,
		cameras:    cameras,
		incidents:  incidents,
		detections: detections,
		poller:     p,
		prober:     prober,
		streams:    streams,
		proxy:      pr,
		hub:        hub,
		validate:   validator.New(),
		logger:     logger.With("component", "api"),
	}
}

// Health reports service liveness
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Health(r.Context()); err != nil {
		ServiceUnavailable(w, "database unavailable")
		return
	}
	OK(w, map[string]interface{}{
		"status":  "ok",
		"monitor": h.poller.Status(),
		"clients": h.hub.ClientCount(),
	})
}

// --- monitoring control ---

type monitorRequest struct {
	Action string `json:"action" validate:"required,oneof=start stop status"`
}

// ControlMonitor starts or stops the fleet poller
func (h *Handlers) ControlMonitor(w http.ResponseWriter, r *http.Request) {
	var req monitorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		ValidationFailed(w, err)
		return
	}

	switch req.Action {
	case "start":
		if err := h.poller.Start(); err != nil {
			Error(w, http.StatusConflict, "CONFLICT", err.Error())
			return
		}
	case "stop":
		h.poller.Stop()
	}
	OK(w, h.poller.Status())
}

// MonitorStatus reports the poller state
func (h *Handlers) MonitorStatus(w http.ResponseWriter, r *http.Request) {
	OK(w, h.poller.Status())
}

// --- cameras ---

type createCameraRequest struct {
	Name         string `json:"name" validate:"required"`
	SourceURL    string `json:"source_url" validate:"required,url"`
	Location     string `json:"location"`
	FullAddress  string `json:"full_address"`
	StreamType   string `json:"stream_type"`
	LocalIP      string `json:"local_ip"`
	ExternalURL  string `json:"external_url"`
	ExternalPort int    `json:"external_port" validate:"gte=0,lte=65535"`
	AIMonitoring bool   `json:"ai_monitoring"`
	OwnerID      string `json:"owner_id"`
}

type updateCameraRequest struct {
	Name         *string `json:"name"`
	SourceURL    *string `json:"source_url" validate:"omitempty,url"`
	Location     *string `json:"location"`
	FullAddress  *string `json:"full_address"`
	StreamType   *string `json:"stream_type"`
	LocalIP      *string `json:"local_ip"`
	ExternalURL  *string `json:"external_url"`
	ExternalPort *int    `json:"external_port" validate:"omitempty,gte=0,lte=65535"`
}

// ListCameras returns the fleet, optionally filtered by owner
func (h *Handlers) ListCameras(w http.ResponseWriter, r *http.Request) {
	cameras, err := h.cameras.List(r.Context(), r.URL.Query().Get("owner"))
	if err != nil {
		h.logger.Error("Failed to list cameras", "error", err)
		InternalError(w, "failed to list cameras")
		return
	}
	List(w, cameras, len(cameras))
}

// CreateCamera registers a new camera
func (h *Handlers) CreateCamera(w http.ResponseWriter, r *http.Request) {
	var req createCameraRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		ValidationFailed(w, err)
		return
	}

	cam := &camera.Camera{
		OwnerID:      req.OwnerID,
		Name:         req.Name,
		SourceURL:    req.SourceURL,
		Location:     req.Location,
		FullAddress:  req.FullAddress,
		StreamType:   req.StreamType,
		AIMonitoring: req.AIMonitoring,
		NetworkAccess: camera.NetworkAccess{
			LocalIP:      req.LocalIP,
			ExternalURL:  req.ExternalURL,
			ExternalPort: req.ExternalPort,
		},
	}
	if err := h.cameras.Create(r.Context(), cam); err != nil {
		h.logger.Error("Failed to create camera", "error", err)
		InternalError(w, "failed to create camera")
		return
	}

	h.logger.Info("Camera registered", "camera_id", cam.ID, "name", cam.Name)
	Created(w, cam)
}

// GetCamera returns one camera
func (h *Handlers) GetCamera(w http.ResponseWriter, r *http.Request) {
	cam, err := h.cameras.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeCameraError(w, err)
		return
	}
	OK(w, cam)
}

// UpdateCamera patches camera metadata
func (h *Handlers) UpdateCamera(w http.ResponseWriter, r *http.Request) {
	var req updateCameraRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		ValidationFailed(w, err)
		return
	}

	fields := map[string]interface{}{}
	for col, v := range map[string]*string{
		"name":         req.Name,
		"source_url":   req.SourceURL,
		"location":     req.Location,
		"full_address": req.FullAddress,
		"stream_type":  req.StreamType,
		"local_ip":     req.LocalIP,
		"external_url": req.ExternalURL,
	} {
		if v != nil {
			fields[col] = *v
		}
	}
	if req.ExternalPort != nil {
		fields["external_port"] = *req.ExternalPort
	}
	if len(fields) == 0 {
		BadRequest(w, "no fields to update")
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.cameras.UpdateFields(r.Context(), id, fields); err != nil {
		h.writeCameraError(w, err)
		return
	}

	// The source may have changed; a running session is now stale.
	if _, ok := fields["source_url"]; ok {
		h.streams.StopSession(id)
	}

	cam, err := h.cameras.Get(r.Context(), id)
	if err != nil {
		h.writeCameraError(w, err)
		return
	}
	OK(w, cam)
}

// DeleteCamera removes a camera and its stream session
func (h *Handlers) DeleteCamera(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.cameras.Delete(r.Context(), id); err != nil {
		h.writeCameraError(w, err)
		return
	}
	h.streams.StopSession(id)
	h.logger.Info("Camera deleted", "camera_id", id)
	NoContent(w)
}

type aiMonitoringRequest struct {
	Active *bool `json:"active" validate:"required"`
}

// SetAIMonitoring toggles the per-camera AI monitoring flag. The fleet
// poller derives the effective monitoring state on its next cycle;
// disabling clears it immediately so state never lags the flag.
func (h *Handlers) SetAIMonitoring(w http.ResponseWriter, r *http.Request) {
	var req aiMonitoringRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		ValidationFailed(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	fields := map[string]interface{}{"ai_monitoring": *req.Active}
	if !*req.Active {
		fields["monitoring_active"] = false
		fields["monitoring_stopped"] = time.Now()
	}
	if err := h.cameras.UpdateFields(r.Context(), id, fields); err != nil {
		h.writeCameraError(w, err)
		return
	}

	cam, err := h.cameras.Get(r.Context(), id)
	if err != nil {
		h.writeCameraError(w, err)
		return
	}
	h.logger.Info("AI monitoring toggled", "camera_id", id, "active", *req.Active)
	OK(w, cam)
}

// TestCamera probes a camera on demand and records the result
func (h *Handlers) TestCamera(w http.ResponseWriter, r *http.Request) {
	cam, err := h.cameras.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeCameraError(w, err)
		return
	}

	status := h.prober.Check(r.Context(), cam.RemoteURL())
	now := time.Now()
	if err := h.cameras.UpdateFields(r.Context(), cam.ID, map[string]interface{}{
		"status":       status,
		"last_checked": now,
	}); err != nil && !errors.Is(err, camera.ErrNotFound) {
		h.logger.Error("Failed to record test result", "camera_id", cam.ID, "error", err)
	}

	OK(w, map[string]interface{}{
		"camera_id":  cam.ID,
		"status":     status,
		"checked_at": now,
	})
}

// --- streaming ---

// LiveStream relays the camera's native stream to the client
func (h *Handlers) LiveStream(w http.ResponseWriter, r *http.Request) {
	cam, err := h.cameras.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeCameraError(w, err)
		return
	}
	if cam.RemoteURL() == "" {
		BadRequest(w, "camera has no source URL")
		return
	}

	if err := h.proxy.Relay(w, r, cam.RemoteURL()); err != nil {
		if errors.Is(err, proxy.ErrNoStreamFound) {
			BadGateway(w, "no stream endpoint found on camera")
			return
		}
		h.logger.Error("Live relay failed", "camera_id", cam.ID, "error", err)
		BadGateway(w, "stream relay failed")
	}
}

// HLS serves the camera's HLS playlist, or one of its segments when
// the file query parameter is set. Starting the session on first
// request keeps transcoders running only for watched cameras.
func (h *Handlers) HLS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Anything but the manifest name is served as a segment
	if file := r.URL.Query().Get("file"); file != "" && file != stream.ManifestName {
		path, err := h.streams.SegmentPath(id, file)
		if err != nil {
			if errors.Is(err, stream.ErrStreamUnavailable) {
				NotFound(w, "segment not available")
				return
			}
			BadRequest(w, "invalid segment name")
			return
		}
		setMediaHeaders(w, "video/MP2T")
		http.ServeFile(w, r, path)
		return
	}

	cam, err := h.cameras.Get(r.Context(), id)
	if err != nil {
		h.writeCameraError(w, err)
		return
	}
	if cam.RemoteURL() == "" {
		BadRequest(w, "camera has no source URL")
		return
	}

	manifest, err := h.streams.ManifestPath(r.Context(), cam.ID, cam.RemoteURL())
	if err != nil {
		h.logger.Warn("HLS session unavailable", "camera_id", cam.ID, "error", err)
		ServiceUnavailable(w, "stream not ready")
		return
	}
	setMediaHeaders(w, "application/vnd.apple.mpegurl")
	http.ServeFile(w, r, manifest)
}

// setMediaHeaders marks stream responses uncacheable and reachable
// from any web origin, matching what HLS players expect.
func setMediaHeaders(w http.ResponseWriter, contentType string) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "no-cache")
}

// --- detections and incidents ---

// ReportDetection accepts a detection from the monitoring backend
func (h *Handlers) ReportDetection(w http.ResponseWriter, r *http.Request) {
	var report detection.Report
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		BadRequest(w, "invalid JSON body")
		return
	}

	inc, err := h.detections.Ingest(r.Context(), report)
	if err != nil {
		switch {
		case errors.Is(err, camera.ErrNotFound):
			NotFound(w, "camera not found")
		default:
			var fieldErrs validator.ValidationErrors
			if errors.As(err, &fieldErrs) {
				ValidationFailed(w, err)
				return
			}
			h.logger.Error("Failed to ingest detection", "error", err)
			InternalError(w, "failed to record detection")
		}
		return
	}
	Created(w, inc)
}

// ListIncidents returns incidents, optionally for one camera
func (h *Handlers) ListIncidents(w http.ResponseWriter, r *http.Request) {
	incidents, err := h.incidents.List(r.Context(), r.URL.Query().Get("camera_id"))
	if err != nil {
		h.logger.Error("Failed to list incidents", "error", err)
		InternalError(w, "failed to list incidents")
		return
	}
	List(w, incidents, len(incidents))
}

// GetIncident returns one incident
func (h *Handlers) GetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := h.incidents.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, incident.ErrNotFound) {
			NotFound(w, "incident not found")
			return
		}
		h.logger.Error("Failed to get incident", "error", err)
		InternalError(w, "failed to get incident")
		return
	}
	OK(w, inc)
}

type incidentStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending_admin confirmed dismissed"`
}

// UpdateIncident moves an incident through review
func (h *Handlers) UpdateIncident(w http.ResponseWriter, r *http.Request) {
	var req incidentStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		ValidationFailed(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.incidents.UpdateStatus(r.Context(), id, incident.Status(req.Status)); err != nil {
		if errors.Is(err, incident.ErrNotFound) {
			NotFound(w, "incident not found")
			return
		}
		h.logger.Error("Failed to update incident", "error", err)
		InternalError(w, "failed to update incident")
		return
	}

	inc, err := h.incidents.Get(r.Context(), id)
	if err != nil {
		InternalError(w, "failed to load incident")
		return
	}
	OK(w, inc)
}

func (h *Handlers) writeCameraError(w http.ResponseWriter, err error) {
	if errors.Is(err, camera.ErrNotFound) {
		NotFound(w, "camera not found")
		return
	}
	h.logger.Error("Camera store error", "error", err)
	InternalError(w, "camera store error")
}
