package core

import (
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func newTestBus(t *testing.T) *EventBus {
	t.Helper()

	eb, err := NewEventBus(DefaultEventBusConfig(), slog.Default())
	if err != nil {
		t.Fatalf("failed to start event bus: %v", err)
	}
	t.Cleanup(eb.Stop)
	return eb
}

func TestPublishSubscribe(t *testing.T) {
	eb := newTestBus(t)

	received := make(chan CameraStatusEvent, 1)
	_, err := eb.Subscribe(SubjectCameraStatus+".*", func(msg *nats.Msg) {
		var event CameraStatusEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			t.Errorf("failed to decode event: %v", err)
			return
		}
		received <- event
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := eb.PublishCameraStatus(CameraStatusEvent{
		CameraID:         "cam-1",
		Status:           "online",
		MonitoringActive: true,
	}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case event := <-received:
		if event.CameraID != "cam-1" {
			t.Errorf("expected camera cam-1, got %s", event.CameraID)
		}
		if !event.MonitoringActive {
			t.Error("expected monitoring_active true")
		}
		if event.Timestamp.IsZero() {
			t.Error("expected timestamp to be set")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	eb := newTestBus(t)

	received := make(chan struct{}, 4)
	if _, err := eb.Subscribe(SubjectMonitorState, func(*nats.Msg) {
		received <- struct{}{}
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := eb.PublishMonitorState(true); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first event")
	}

	eb.Unsubscribe(SubjectMonitorState)

	if err := eb.PublishMonitorState(false); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	select {
	case <-received:
		t.Fatal("received event after unsubscribe")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHealthy(t *testing.T) {
	eb := newTestBus(t)
	if !eb.Healthy() {
		t.Error("expected bus to be healthy while connected")
	}
}
