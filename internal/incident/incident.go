// Package incident records confirmed fire and smoke detections for
// operator review.
package incident

import "time"

// Status tracks an incident through the review flow
type Status string

const (
	StatusPendingAdmin Status = "pending_admin"
	StatusConfirmed    Status = "confirmed"
	StatusDismissed    Status = "dismissed"
)

// Priority ranks incidents for dispatch
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Incident is one reported detection awaiting or past review
type Incident struct {
	ID            string    `json:"id"`
	CameraID      string    `json:"camera_id"`
	DetectionType string    `json:"detection_type"`
	Confidence    float64   `json:"confidence"`
	Address       string    `json:"address,omitempty"`
	SnapshotPath  string    `json:"snapshot_path,omitempty"`
	Status        Status    `json:"status"`
	Priority      Priority  `json:"priority"`
	DetectedAt    time.Time `json:"detected_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// PriorityFor maps a detection to a dispatch priority. Fire always
// outranks smoke at the same confidence.
func PriorityFor(detectionType string, confidence float64) Priority {
	switch {
	case detectionType == "fire" && confidence >= 0.9:
		return PriorityCritical
	case detectionType == "fire" || confidence >= 0.9:
		return PriorityHigh
	case confidence >= 0.7:
		return PriorityMedium
	default:
		return PriorityLow
	}
}
