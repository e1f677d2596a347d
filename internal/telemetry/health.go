package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360studio/templatefabric/internal/progress"
)

// Severity classifies a health alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Status is a component's self-reported health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// HealthAlert is the envelope published on progress.HealthSubject. It
// deliberately reuses the progress bus's well-known channel rather than
// opening a second one — health alerting is a consumer of that same fan-out mechanism,
// not a competing transport.
type HealthAlert struct {
	Component string         `json:"component"`
	Status    Status         `json:"status"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"ts"`
}

// HealthPublisher posts component health alerts onto progress.HealthSubject.
type HealthPublisher struct {
	nc        *nats.Conn
	component string
	now       func() time.Time
}

// NewHealthPublisher builds a HealthPublisher that stamps every alert's
// Component field with component (e.g. "worker-3", "llm-gateway").
func NewHealthPublisher(nc *nats.Conn, component string) *HealthPublisher {
	return &HealthPublisher{nc: nc, component: component, now: time.Now}
}

// Publish fire-and-forgets a health alert. Like internal/progress.Publish, a
// publish with no subscriber present is silently dropped.
func (h *HealthPublisher) Publish(status Status, severity Severity, message string, metadata map[string]any) error {
	alert := HealthAlert{
		Component: h.component,
		Status:    status,
		Severity:  severity,
		Message:   message,
		Metadata:  metadata,
		Timestamp: h.now().UTC(),
	}
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal health alert: %w", err)
	}
	if err := h.nc.Publish(progress.HealthSubject, data); err != nil {
		return fmt.Errorf("publish health alert: %w", err)
	}
	return nil
}

// Healthy publishes an info-severity healthy status.
func (h *HealthPublisher) Healthy(message string) error {
	return h.Publish(StatusHealthy, SeverityInfo, message, nil)
}

// Degraded publishes a warning-severity degraded status with a detail
// payload (e.g. queue depth, error rate) for the alert's consumers.
func (h *HealthPublisher) Degraded(message string, metadata map[string]any) error {
	return h.Publish(StatusDegraded, SeverityWarning, message, metadata)
}

// Unhealthy publishes a critical-severity unhealthy status.
func (h *HealthPublisher) Unhealthy(message string, metadata map[string]any) error {
	return h.Publish(StatusUnhealthy, SeverityCritical, message, metadata)
}

// HealthSubscription is a live subscription to the health alert channel.
type HealthSubscription struct {
	sub *nats.Subscription
	ch  chan *HealthAlert
}

// SubscribeHealth opens a subscription to the health alert channel shared by
// every component in the fabric.
func SubscribeHealth(nc *nats.Conn) (*HealthSubscription, error) {
	ch := make(chan *HealthAlert, 32)
	sub, err := nc.Subscribe(progress.HealthSubject, func(msg *nats.Msg) {
		var alert HealthAlert
		if err := json.Unmarshal(msg.Data, &alert); err != nil {
			return
		}
		select {
		case ch <- &alert:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", progress.HealthSubject, err)
	}
	return &HealthSubscription{sub: sub, ch: ch}, nil
}

// Alerts returns the channel of decoded health alerts for this subscription.
func (s *HealthSubscription) Alerts() <-chan *HealthAlert {
	return s.ch
}

// Close unsubscribes, idempotently.
func (s *HealthSubscription) Close() error {
	if s.sub == nil {
		return nil
	}
	err := s.sub.Unsubscribe()
	s.sub = nil
	return err
}
