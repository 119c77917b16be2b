// Package camera provides camera record management
package camera

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// Status represents camera reachability status
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// ServerStatus represents the derived monitoring state for a camera
type ServerStatus string

const (
	ServerRunning ServerStatus = "running"
	ServerStopped ServerStatus = "stopped"
	ServerError   ServerStatus = "error"
)

// DetectionHistoryCap bounds the per-camera detection history ring
const DetectionHistoryCap = 20

// Detection is one fire/smoke detection entry reported for a camera
type Detection struct {
	Timestamp  time.Time `json:"timestamp"`
	Type       string    `json:"type"` // fire or smoke
	Confidence float64   `json:"confidence"`
	IncidentID string    `json:"incident_id,omitempty"`
}

// NetworkAccess holds declared hints for reaching a camera from outside
// its local network.
type NetworkAccess struct {
	LocalIP      string `json:"local_ip,omitempty"`
	ExternalURL  string `json:"external_url,omitempty"`
	ExternalPort int    `json:"external_port,omitempty"`
}

// Camera represents a registered camera and its monitoring state.
// Status, MonitoringActive and ServerStatus are owned by the fleet poller;
// other components only read them.
type Camera struct {
	ID            string        `json:"id"`
	OwnerID       string        `json:"owner_id"`
	Name          string        `json:"name"`
	SourceURL     string        `json:"source_url"`
	Location      string        `json:"location"`
	FullAddress   string        `json:"full_address,omitempty"`
	StreamType    string        `json:"stream_type,omitempty"`
	NetworkAccess NetworkAccess `json:"network_access,omitempty"`

	Status      Status     `json:"status"`
	LastChecked *time.Time `json:"last_checked,omitempty"`

	AIMonitoring      bool         `json:"ai_monitoring"`
	MonitoringActive  bool         `json:"monitoring_active"`
	ServerStatus      ServerStatus `json:"monitoring_server_status"`
	MonitoringStarted *time.Time   `json:"monitoring_started,omitempty"`
	MonitoringStopped *time.Time   `json:"monitoring_stopped,omitempty"`

	LastDetection    *Detection  `json:"last_detection,omitempty"`
	DetectionHistory []Detection `json:"detection_history,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RemoteURL derives the externally reachable URL from the network hints,
// falling back to the source URL when no forwarding is declared.
func (c *Camera) RemoteURL() string {
	if c.NetworkAccess.ExternalURL == "" || c.NetworkAccess.ExternalPort == 0 {
		return c.SourceURL
	}
	return rewriteHostPort(c.SourceURL, c.NetworkAccess.ExternalURL, c.NetworkAccess.ExternalPort)
}

// rewriteHostPort swaps the host of a source URL for a DDNS name and
// forwarded port, keeping scheme and path.
func rewriteHostPort(source, host string, port int) string {
	u, err := url.Parse(source)
	if err != nil || u.Scheme == "" {
		return source
	}
	u.Host = fmt.Sprintf("%s:%d", host, port)
	return u.String()
}

func marshalHistory(history []Detection) string {
	if history == nil {
		history = []Detection{}
	}
	data, err := json.Marshal(history)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalHistory(raw string) []Detection {
	if raw == "" {
		return nil
	}
	var history []Detection
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		return nil
	}
	if len(history) == 0 {
		return nil
	}
	return history
}
