// Package detection receives fire and smoke reports from the AI
// monitoring backend and turns them into incidents.
package detection

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/firewatch-io/firewatch/internal/camera"
	"github.com/firewatch-io/firewatch/internal/core"
	"github.com/firewatch-io/firewatch/internal/incident"
)

// Report is a detection submitted by the monitoring backend
type Report struct {
	CameraID     string    `json:"camera_id" validate:"required"`
	Type         string    `json:"type" validate:"required,oneof=fire smoke"`
	Confidence   float64   `json:"confidence" validate:"gte=0,lte=1"`
	SnapshotPath string    `json:"snapshot_path,omitempty"`
	DetectedAt   time.Time `json:"detected_at,omitempty"`
}

// Bus publishes detection events
type Bus interface {
	Publish(subject string, data interface{}) error
}

// Event is the payload published for each accepted report
type Event struct {
	IncidentID string    `json:"incident_id"`
	CameraID   string    `json:"camera_id"`
	CameraName string    `json:"camera_name"`
	Type       string    `json:"type"`
	Confidence float64   `json:"confidence"`
	Address    string    `json:"address,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
}

// Service validates reports and records them as incidents
type Service struct {
	cameras   *camera.Store
	incidents *incident.Store
	bus       Bus
	validate  *validator.Validate
	logger    *slog.Logger
}

// NewService creates a detection intake service
func NewService(cameras *camera.Store, incidents *incident.Store, bus Bus, logger *slog.Logger) *Service {
	return &Service{
		cameras:   cameras,
		incidents: incidents,
		bus:       bus,
		validate:  validator.New(),
		logger:    logger.With("component", "detection"),
	}
}

// Ingest records one detection report. The camera must exist; reports
// for unknown cameras fail with camera.ErrNotFound. Returns the
// created incident.
func (s *Service) Ingest(ctx context.Context, report Report) (*incident.Incident, error) {
	if err := s.validate.Struct(report); err != nil {
		return nil, fmt.Errorf("invalid detection report: %w", err)
	}

	cam, err := s.cameras.Get(ctx, report.CameraID)
	if err != nil {
		return nil, err
	}

	detectedAt := report.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = time.Now()
	}

	address := cam.FullAddress
	if address == "" {
		address = cam.Location
	}

	inc := &incident.Incident{
		CameraID:      cam.ID,
		DetectionType: report.Type,
		Confidence:    report.Confidence,
		Address:       address,
		SnapshotPath:  report.SnapshotPath,
		DetectedAt:    detectedAt,
	}
	if err := s.incidents.Create(ctx, inc); err != nil {
		return nil, err
	}

	if err := s.cameras.AppendDetection(ctx, cam.ID, camera.Detection{
		Timestamp:  detectedAt,
		Type:       report.Type,
		Confidence: report.Confidence,
		IncidentID: inc.ID,
	}); err != nil {
		s.logger.Error("Failed to record detection history", "camera_id", cam.ID, "error", err)
	}

	s.logger.Info("Detection recorded",
		"camera_id", cam.ID,
		"type", report.Type,
		"confidence", report.Confidence,
		"incident_id", inc.ID,
		"priority", inc.Priority)

	if s.bus != nil {
		event := Event{
			IncidentID: inc.ID,
			CameraID:   cam.ID,
			CameraName: cam.Name,
			Type:       report.Type,
			Confidence: report.Confidence,
			Address:    address,
			DetectedAt: detectedAt,
		}
		if err := s.bus.Publish(core.SubjectDetection, event); err != nil {
			s.logger.Warn("Failed to publish detection event", "error", err)
		}
		if err := s.bus.Publish(core.SubjectIncident, inc); err != nil {
			s.logger.Warn("Failed to publish incident event", "error", err)
		}
	}
	return inc, nil
}
