package incident

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/firewatch-io/firewatch/internal/database"
)

// ErrNotFound is returned when an incident does not exist
var ErrNotFound = errors.New("incident not found")

// Store persists incidents in SQLite
type Store struct {
	db *database.DB
}

// NewStore creates an incident store
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

const incidentColumns = `id, camera_id, detection_type, confidence, address,
	snapshot_path, status, priority, detected_at, created_at`

// Create inserts a new incident, assigning ID, status and priority
func (s *Store) Create(ctx context.Context, inc *Incident) error {
	if inc.ID == "" {
		inc.ID = uuid.New().String()
	}
	if inc.Status == "" {
		inc.Status = StatusPendingAdmin
	}
	if inc.Priority == "" {
		inc.Priority = PriorityFor(inc.DetectionType, inc.Confidence)
	}
	if inc.DetectedAt.IsZero() {
		inc.DetectedAt = time.Now()
	}
	inc.CreatedAt = time.Now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents (`+incidentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.ID, inc.CameraID, inc.DetectionType, inc.Confidence, inc.Address,
		inc.SnapshotPath, string(inc.Status), string(inc.Priority),
		inc.DetectedAt.Unix(), inc.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create incident: %w", err)
	}
	return nil
}

// List returns incidents newest first, optionally filtered by camera
func (s *Store) List(ctx context.Context, cameraID string) ([]*Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents`
	var args []interface{}
	if cameraID != "" {
		query += ` WHERE camera_id = ?`
		args = append(args, cameraID)
	}
	query += ` ORDER BY detected_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	incidents := []*Incident{}
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

// Get returns one incident by ID
func (s *Store) Get(ctx context.Context, id string) (*Incident, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+incidentColumns+` FROM incidents WHERE id = ?`, id)

	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inc, err
}

// UpdateStatus moves an incident through the review flow
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update incident: %w", err)
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

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanIncident(row scanner) (*Incident, error) {
	var inc Incident
	var status, priority string
	var detectedAt, createdAt int64

	err := row.Scan(&inc.ID, &inc.CameraID, &inc.DetectionType, &inc.Confidence,
		&inc.Address, &inc.SnapshotPath, &status, &priority, &detectedAt, &createdAt)
	if err != nil {
		return nil, err
	}

	inc.Status = Status(status)
	inc.Priority = Priority(priority)
	inc.DetectedAt = time.Unix(detectedAt, 0)
	inc.CreatedAt = time.Unix(createdAt, 0)
	return &inc, nil
}
