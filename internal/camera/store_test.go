package camera

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/firewatch-io/firewatch/internal/database"
)

func newTestStore(t *testing.T) *Store {
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

	return NewStore(db)
}

func TestStoreCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cam := &Camera{
		Name:         "Kitchen",
		SourceURL:    "http://192.168.1.10:8080",
		Location:     "Kitchen",
		AIMonitoring: true,
		NetworkAccess: NetworkAccess{
			LocalIP:      "192.168.1.10",
			ExternalURL:  "home.example.org",
			ExternalPort: 18080,
		},
	}
	if err := store.Create(ctx, cam); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if cam.ID == "" {
		t.Fatal("Create() did not assign an ID")
	}

	got, err := store.Get(ctx, cam.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Name != "Kitchen" {
		t.Errorf("Name = %q, want %q", got.Name, "Kitchen")
	}
	if got.Status != StatusOffline {
		t.Errorf("Status = %q, want offline default", got.Status)
	}
	if got.ServerStatus != ServerStopped {
		t.Errorf("ServerStatus = %q, want stopped default", got.ServerStatus)
	}
	if !got.AIMonitoring {
		t.Error("AIMonitoring = false, want true")
	}
	if got.NetworkAccess.ExternalPort != 18080 {
		t.Errorf("ExternalPort = %d, want 18080", got.NetworkAccess.ExternalPort)
	}
}

func TestStoreGetNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "missing")
	if err != ErrNotFound {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestStoreUpdateFields(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cam := &Camera{Name: "Garage", SourceURL: "http://cam.local", Location: "Garage"}
	if err := store.Create(ctx, cam); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	err := store.UpdateFields(ctx, cam.ID, map[string]interface{}{
		"status":                   StatusOnline,
		"monitoring_active":        true,
		"monitoring_server_status": ServerRunning,
		"last_checked":             now,
	})
	if err != nil {
		t.Fatalf("UpdateFields() error: %v", err)
	}

	got, err := store.Get(ctx, cam.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusOnline {
		t.Errorf("Status = %q, want online", got.Status)
	}
	if !got.MonitoringActive {
		t.Error("MonitoringActive = false, want true")
	}
	if got.LastChecked == nil || got.LastChecked.Unix() != now.Unix() {
		t.Errorf("LastChecked = %v, want %v", got.LastChecked, now)
	}
}

func TestStoreUpdateFieldsNotFound(t *testing.T) {
	store := newTestStore(t)

	err := store.UpdateFields(context.Background(), "gone", map[string]interface{}{
		"status": StatusOffline,
	})
	if err != ErrNotFound {
		t.Errorf("UpdateFields(gone) error = %v, want ErrNotFound", err)
	}
}

func TestStoreUpdateFieldsRejectsUnknownColumn(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cam := &Camera{Name: "Yard", Location: "Yard"}
	if err := store.Create(ctx, cam); err != nil {
		t.Fatal(err)
	}

	err := store.UpdateFields(ctx, cam.ID, map[string]interface{}{
		"id": "evil",
	})
	if err == nil {
		t.Error("UpdateFields with non-whitelisted column succeeded, want error")
	}
}

func TestStoreDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cam := &Camera{Name: "Porch", Location: "Porch"}
	if err := store.Create(ctx, cam); err != nil {
		t.Fatal(err)
	}

	if err := store.Delete(ctx, cam.ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := store.Get(ctx, cam.ID); err != ErrNotFound {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, cam.ID); err != ErrNotFound {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}

func TestAppendDetectionRingIsCappedMostRecentFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cam := &Camera{Name: "Roof", SourceURL: "http://cam.local", Location: "Roof"}
	if err := store.Create(ctx, cam); err != nil {
		t.Fatal(err)
	}

	base := time.Now().Add(-time.Hour)
	for i := 0; i < DetectionHistoryCap+5; i++ {
		det := Detection{
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
			Type:       "smoke",
			Confidence: float64(i),
			IncidentID: fmt.Sprintf("inc-%d", i),
		}
		if err := store.AppendDetection(ctx, cam.ID, det); err != nil {
			t.Fatalf("AppendDetection(%d) error: %v", i, err)
		}
	}

	got, err := store.Get(ctx, cam.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.DetectionHistory) != DetectionHistoryCap {
		t.Fatalf("history length = %d, want cap %d", len(got.DetectionHistory), DetectionHistoryCap)
	}
	// Most recent entry first
	if got.DetectionHistory[0].IncidentID != fmt.Sprintf("inc-%d", DetectionHistoryCap+4) {
		t.Errorf("history[0] = %q, want newest entry", got.DetectionHistory[0].IncidentID)
	}
	for i := 1; i < len(got.DetectionHistory); i++ {
		if got.DetectionHistory[i].Timestamp.After(got.DetectionHistory[i-1].Timestamp) {
			t.Errorf("history out of order at %d", i)
		}
	}
	if got.LastDetection == nil || got.LastDetection.IncidentID != got.DetectionHistory[0].IncidentID {
		t.Error("LastDetection does not match newest history entry")
	}
}

func TestRemoteURL(t *testing.T) {
	tests := []struct {
		name     string
		cam      Camera
		expected string
	}{
		{
			name:     "no forwarding falls back to source",
			cam:      Camera{SourceURL: "http://192.168.1.5:8080/feed"},
			expected: "http://192.168.1.5:8080/feed",
		},
		{
			name: "ddns mapping rewrites host",
			cam: Camera{
				SourceURL: "http://192.168.1.5:8080/feed",
				NetworkAccess: NetworkAccess{
					ExternalURL:  "cam.example.org",
					ExternalPort: 9000,
				},
			},
			expected: "http://cam.example.org:9000/feed",
		},
		{
			name: "unparseable source kept as is",
			cam: Camera{
				SourceURL: "not a url",
				NetworkAccess: NetworkAccess{
					ExternalURL:  "cam.example.org",
					ExternalPort: 9000,
				},
			},
			expected: "not a url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cam.RemoteURL(); got != tt.expected {
				t.Errorf("RemoteURL() = %q, want %q", got, tt.expected)
			}
		})
	}
}
