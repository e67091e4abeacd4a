package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/stellr/sentinel/internal/model"
)

// NATS subjects used by the sentinel pipeline.
const (
	SubjectRawSignals = "sentinel.events.raw"
	SubjectDetections = "sentinel.detections"
	SubjectAlerts     = "sentinel.alerts"
)

// SignalHandler receives raw signals decoded from the message bus.
type SignalHandler interface {
	Submit(ctx context.Context, raw *model.RawSignal) (*model.SecurityEvent, error)
}

// Subscriber pulls raw security signals off NATS and feeds them to the
// collector. Instances in the same queue group share the load.
type Subscriber struct {
	nc      *nats.Conn
	handler SignalHandler
	logger  *slog.Logger
	queue   string

	sub *nats.Subscription
}

// NewSubscriber creates a NATS subscriber for raw signals.
func NewSubscriber(nc *nats.Conn, handler SignalHandler, queue string, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		nc:      nc,
		handler: handler,
		logger:  logger,
		queue:   queue,
	}
}

// Subscribe starts listening for raw signals and blocks until the context is
// cancelled, then drains the subscription.
func (s *Subscriber) Subscribe(ctx context.Context) error {
	s.logger.Info("Subscribing to raw signals", "subject", SubjectRawSignals, "queue", s.queue)

	sub, err := s.nc.QueueSubscribe(SubjectRawSignals, s.queue, func(msg *nats.Msg) {
		s.handleMessage(ctx, msg)
	})
	if err != nil {
		s.logger.Error("Failed to subscribe to raw signals", "error", err)
		return err
	}
	s.sub = sub

	<-ctx.Done()

	s.logger.Info("Draining raw signal subscription")
	if err := sub.Drain(); err != nil {
		s.logger.Error("Failed to drain subscription", "error", err)
		return err
	}
	return nil
}

func (s *Subscriber) handleMessage(ctx context.Context, msg *nats.Msg) {
	s.logger.Debug("Received raw signal", "subject", msg.Subject, "data_length", len(msg.Data))

	var raw model.RawSignal
	if err := json.Unmarshal(msg.Data, &raw); err != nil {
		s.logger.Error("Failed to parse raw signal", "error", err)
		return
	}

	if _, err := s.handler.Submit(ctx, &raw); err != nil {
		s.logger.Warn("Raw signal rejected", "category", raw.Category, "type", raw.Type, "error", err)
	}
}

// Publisher emits detections and alerts onto NATS so external consumers
// (dashboards, SIEM forwarders) can react without polling the API.
type Publisher struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// NewPublisher creates a NATS publisher.
func NewPublisher(nc *nats.Conn, logger *slog.Logger) *Publisher {
	return &Publisher{nc: nc, logger: logger}
}

// PublishDetection publishes a refined threat detection.
func (p *Publisher) PublishDetection(detection *model.ThreatDetectionResult) error {
	if p.nc == nil || !p.nc.IsConnected() {
		return fmt.Errorf("NATS connection not available")
	}

	data, err := json.Marshal(detection)
	if err != nil {
		return fmt.Errorf("failed to marshal detection: %w", err)
	}

	headers := nats.Header{}
	headers.Set("x-pattern-id", detection.PatternID)
	headers.Set("x-subject-id", detection.SubjectID)
	headers.Set("x-severity", string(detection.Severity))
	headers.Set("x-correlation-id", detection.CorrelationID)
	headers.Set("x-confidence", strconv.FormatFloat(detection.Confidence, 'f', 3, 64))

	msg := &nats.Msg{
		Subject: SubjectDetections,
		Data:    data,
		Header:  headers,
	}
	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish detection: %w", err)
	}

	p.logger.Info("Published detection",
		"pattern", detection.PatternID,
		"subject_id", detection.SubjectID,
		"severity", detection.Severity,
		"subject", SubjectDetections)
	return nil
}

// PublishAlert publishes an alert lifecycle update.
func (p *Publisher) PublishAlert(alert *model.ActiveAlert) error {
	if p.nc == nil || !p.nc.IsConnected() {
		return fmt.Errorf("NATS connection not available")
	}

	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	headers := nats.Header{}
	headers.Set("x-alert-id", alert.ID)
	headers.Set("x-rule-id", alert.RuleID)
	headers.Set("x-severity", string(alert.Severity))
	headers.Set("x-status", string(alert.Status))

	msg := &nats.Msg{
		Subject: SubjectAlerts,
		Data:    data,
		Header:  headers,
	}
	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}

	p.logger.Info("Published alert",
		"alert_id", alert.ID,
		"rule", alert.RuleID,
		"status", alert.Status,
		"subject", SubjectAlerts)
	return nil
}

// PublishDetectionWithRetry publishes a detection, retrying transient
// failures with a fixed delay.
func (p *Publisher) PublishDetectionWithRetry(detection *model.ThreatDetectionResult, maxRetries int, retryDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := p.PublishDetection(detection); err != nil {
			lastErr = err
			if attempt < maxRetries {
				p.logger.Warn("Failed to publish detection, retrying",
					"pattern", detection.PatternID,
					"attempt", attempt+1,
					"max_retries", maxRetries,
					"error", err)
				time.Sleep(retryDelay)
				continue
			}
		} else {
			return nil
		}
	}
	return fmt.Errorf("failed to publish detection after %d attempts: %w", maxRetries+1, lastErr)
}
