// Package core provides shared service infrastructure: the embedded
// NATS event bus connecting the poller, detection intake and websocket hub.
package core

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Subjects carried on the bus
const (
	SubjectCameraStatus = "cameras.status" // + ".<camera id>"
	SubjectDetection    = "detections.reported"
	SubjectIncident     = "incidents.created"
	SubjectMonitorState = "monitor.state"
)

// CameraStatusEvent is published by the fleet poller on every status transition
type CameraStatusEvent struct {
	CameraID         string    `json:"camera_id"`
	Status           string    `json:"status"`
	MonitoringActive bool      `json:"monitoring_active"`
	Timestamp        time.Time `json:"timestamp"`
}

// MonitorStateEvent is published when the poller starts or stops
type MonitorStateEvent struct {
	Running   bool      `json:"running"`
	Timestamp time.Time `json:"timestamp"`
}

// EventBus provides pub/sub messaging over an embedded NATS server
type EventBus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger

	subs   map[string][]*nats.Subscription
	subsMu sync.Mutex
}

// EventBusConfig configures the event bus
type EventBusConfig struct {
	// Host for the NATS server (default: 127.0.0.1)
	Host string
	// Port for the NATS server; -1 picks a random free port (default)
	Port int
}

// DefaultEventBusConfig returns default configuration
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{
		Host: "127.0.0.1",
		Port: -1,
	}
}

// NewEventBus starts an embedded NATS server and connects to it
func NewEventBus(cfg EventBusConfig, logger *slog.Logger) (*EventBus, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = -1
	}

	opts := &server.Options{
		Host:   cfg.Host,
		Port:   cfg.Port,
		NoSigs: true,
		NoLog:  true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready after 2 seconds")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}

	eb := &EventBus{
		server: ns,
		conn:   nc,
		logger: logger.With("component", "eventbus"),
		subs:   make(map[string][]*nats.Subscription),
	}

	eb.logger.Info("Event bus started", "url", ns.ClientURL())
	return eb, nil
}

// Publish publishes a JSON-encoded message to a subject
func (eb *EventBus) Publish(subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	return eb.conn.Publish(subject, payload)
}

// Subscribe subscribes to a subject (NATS wildcards allowed)
func (eb *EventBus) Subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	sub, err := eb.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, err
	}

	eb.subsMu.Lock()
	eb.subs[subject] = append(eb.subs[subject], sub)
	eb.subsMu.Unlock()

	return sub, nil
}

// Unsubscribe removes all subscriptions for a subject
func (eb *EventBus) Unsubscribe(subject string) {
	eb.subsMu.Lock()
	defer eb.subsMu.Unlock()

	if subs, ok := eb.subs[subject]; ok {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
		delete(eb.subs, subject)
	}
}

// PublishCameraStatus publishes a camera status transition
func (eb *EventBus) PublishCameraStatus(event CameraStatusEvent) error {
	event.Timestamp = time.Now()
	return eb.Publish(SubjectCameraStatus+"."+event.CameraID, event)
}

// PublishMonitorState publishes a poller state change
func (eb *EventBus) PublishMonitorState(running bool) error {
	return eb.Publish(SubjectMonitorState, MonitorStateEvent{
		Running:   running,
		Timestamp: time.Now(),
	})
}

// Healthy reports whether the bus connection is active
func (eb *EventBus) Healthy() bool {
	return eb.conn.IsConnected()
}

// Stop shuts down the event bus
func (eb *EventBus) Stop() {
	_ = eb.conn.Drain()
	eb.server.Shutdown()
	eb.logger.Info("Event bus stopped")
}
