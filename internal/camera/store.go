package camera

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/firewatch-io/firewatch/internal/database"
)

// ErrNotFound is returned when a camera does not exist
var ErrNotFound = errors.New("camera not found")

// Store persists camera records in SQLite
type Store struct {
	db     *database.DB
	logger *slog.Logger
}

// NewStore creates a new camera store
func NewStore(db *database.DB) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "camera-store"),
	}
}

const cameraColumns = `id, owner_id, name, source_url, location, full_address, stream_type,
	local_ip, external_url, external_port,
	status, last_checked,
	ai_monitoring, monitoring_active, monitoring_server_status,
	monitoring_started, monitoring_stopped,
	last_detection, detection_history,
	created_at, updated_at`

// List returns all cameras, optionally filtered by owner
func (s *Store) List(ctx context.Context, ownerID string) ([]*Camera, error) {
	query := "SELECT " + cameraColumns + " FROM cameras"
	var args []interface{}
	if ownerID != "" {
		query += " WHERE owner_id = ?"
		args = append(args, ownerID)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cameras: %w", err)
	}
	defer rows.Close()

	var cameras []*Camera
	for rows.Next() {
		cam, err := scanCamera(rows)
		if err != nil {
			return nil, err
		}
		cameras = append(cameras, cam)
	}

	return cameras, rows.Err()
}

// Get returns a camera by ID
func (s *Store) Get(ctx context.Context, id string) (*Camera, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+cameraColumns+" FROM cameras WHERE id = ?", id)
	cam, err := scanCamera(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get camera: %w", err)
	}
	return cam, nil
}

// Create inserts a new camera record, generating an ID if missing
func (s *Store) Create(ctx context.Context, cam *Camera) error {
	if cam.ID == "" {
		cam.ID = uuid.New().String()
	}
	if cam.OwnerID == "" {
		cam.OwnerID = "system"
	}
	if cam.Status == "" {
		cam.Status = StatusOffline
	}
	if cam.ServerStatus == "" {
		cam.ServerStatus = ServerStopped
	}
	now := time.Now()
	cam.CreatedAt = now
	cam.UpdatedAt = now

	var lastDetection interface{}
	if cam.LastDetection != nil {
		data, err := json.Marshal(cam.LastDetection)
		if err != nil {
			return fmt.Errorf("failed to marshal detection: %w", err)
		}
		lastDetection = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cameras (`+cameraColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		cam.ID, cam.OwnerID, cam.Name, cam.SourceURL, cam.Location, cam.FullAddress, cam.StreamType,
		cam.NetworkAccess.LocalIP, cam.NetworkAccess.ExternalURL, cam.NetworkAccess.ExternalPort,
		string(cam.Status), nullTime(cam.LastChecked),
		cam.AIMonitoring, cam.MonitoringActive, string(cam.ServerStatus),
		nullTime(cam.MonitoringStarted), nullTime(cam.MonitoringStopped),
		lastDetection, marshalHistory(cam.DetectionHistory),
		now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create camera: %w", err)
	}
	return nil
}

// updatableColumns whitelists the fields UpdateFields may touch
var updatableColumns = map[string]bool{
	"name":                     true,
	"source_url":               true,
	"location":                 true,
	"full_address":             true,
	"stream_type":              true,
	"local_ip":                 true,
	"external_url":             true,
	"external_port":            true,
	"status":                   true,
	"last_checked":             true,
	"ai_monitoring":            true,
	"monitoring_active":        true,
	"monitoring_server_status": true,
	"monitoring_started":       true,
	"monitoring_stopped":       true,
	"last_detection":           true,
	"detection_history":        true,
}

// UpdateFields applies a per-field update to one camera. Returns ErrNotFound
// if the camera no longer exists (for example it was deleted mid poll cycle).
func (s *Store) UpdateFields(ctx context.Context, id string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}

	// Deterministic column order keeps the statement cacheable
	columns := make([]string, 0, len(fields))
	for col := range fields {
		if !updatableColumns[col] {
			return fmt.Errorf("unknown camera field: %s", col)
		}
		columns = append(columns, col)
	}
	sort.Strings(columns)

	var sets []string
	var args []interface{}
	for _, col := range columns {
		sets = append(sets, col+" = ?")
		args = append(args, normalizeValue(fields[col]))
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().Unix())
	args = append(args, id)

	result, err := s.db.ExecContext(ctx,
		"UPDATE cameras SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update camera: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a camera record
func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM cameras WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete camera: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	s.logger.Info("Deleted camera", "id", id)
	return nil
}

// AppendDetection records a detection on the camera: sets last_detection and
// pushes onto the history ring, most recent first, capped.
func (s *Store) AppendDetection(ctx context.Context, id string, det Detection) error {
	cam, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	history := append([]Detection{det}, cam.DetectionHistory...)
	if len(history) > DetectionHistoryCap {
		history = history[:DetectionHistoryCap]
	}

	data, err := json.Marshal(det)
	if err != nil {
		return fmt.Errorf("failed to marshal detection: %w", err)
	}

	return s.UpdateFields(ctx, id, map[string]interface{}{
		"last_detection":    string(data),
		"detection_history": marshalHistory(history),
	})
}

// scanner matches both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCamera(row scanner) (*Camera, error) {
	cam := &Camera{}
	var (
		status        string
		serverStatus  string
		lastChecked   sql.NullInt64
		started       sql.NullInt64
		stopped       sql.NullInt64
		lastDetection sql.NullString
		history       string
		createdAt     int64
		updatedAt     int64
	)

	err := row.Scan(
		&cam.ID, &cam.OwnerID, &cam.Name, &cam.SourceURL, &cam.Location, &cam.FullAddress, &cam.StreamType,
		&cam.NetworkAccess.LocalIP, &cam.NetworkAccess.ExternalURL, &cam.NetworkAccess.ExternalPort,
		&status, &lastChecked,
		&cam.AIMonitoring, &cam.MonitoringActive, &serverStatus,
		&started, &stopped,
		&lastDetection, &history,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	cam.Status = Status(status)
	cam.ServerStatus = ServerStatus(serverStatus)
	cam.LastChecked = unixTime(lastChecked)
	cam.MonitoringStarted = unixTime(started)
	cam.MonitoringStopped = unixTime(stopped)
	if lastDetection.Valid && lastDetection.String != "" {
		var det Detection
		if err := json.Unmarshal([]byte(lastDetection.String), &det); err == nil {
			cam.LastDetection = &det
		}
	}
	cam.DetectionHistory = unmarshalHistory(history)
	cam.CreatedAt = time.Unix(createdAt, 0)
	cam.UpdatedAt = time.Unix(updatedAt, 0)

	return cam, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func unixTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

// normalizeValue converts time values to the stored unix representation
func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case time.Time:
		return t.Unix()
	case *time.Time:
		return nullTime(t)
	case Status:
		return string(t)
	case ServerStatus:
		return string(t)
	default:
		return v
	}
}
