package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/basket/policyd/internal/bus"
	pdotel "github.com/basket/policyd/internal/otel"
	"github.com/basket/policyd/internal/policy"
	"github.com/basket/policyd/internal/shared"
)

// BusNotifier republishes alerts on the in-process bus.
type BusNotifier struct {
	Bus *bus.Bus
}

func (BusNotifier) Name() string { return "bus" }

func (n BusNotifier) Notify(_ context.Context, a policy.Alert) error {
	if n.Bus == nil {
		return nil
	}
	n.Bus.Publish(bus.TopicPolicyAlert, bus.PolicyAlertEvent{
		PolicyID:       a.PolicyID,
		Kind:           string(a.Kind),
		IdempotencyKey: a.IdempotencyKey,
		OldState:       string(a.OldLifecycle),
		NewState:       string(a.NewLifecycle),
		Blacklisted:    a.Blacklisted,
		Reason:         a.Reason,
		OccurredAt:     a.OccurredAt,
	})
	return nil
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	Logger *slog.Logger
}

func (LogNotifier) Name() string { return "log" }

func (n LogNotifier) Notify(_ context.Context, a policy.Alert) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("policy alert",
		"policy_id", a.PolicyID,
		"policy_kind", string(a.Kind),
		"old_state", a.OldLifecycle,
		"new_state", a.NewLifecycle,
		"blacklisted", a.Blacklisted,
		"occurred_at", a.OccurredAt.Format(time.RFC3339Nano),
		"reason", shared.Redact(a.Reason),
	)
	return nil
}

// MessageWriter is the subset of *kafka.Writer the Kafka notifier uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes alerts to a Kafka topic keyed by policy id, so a
// consumer sees one policy's alerts in order.
type KafkaNotifier struct {
	writer MessageWriter
}

// NewKafkaWriter builds the writer used by KafkaNotifier.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

func NewKafkaNotifier(w MessageWriter) *KafkaNotifier {
	return &KafkaNotifier{writer: w}
}

func (*KafkaNotifier) Name() string { return "kafka" }

func (n *KafkaNotifier) Notify(ctx context.Context, a policy.Alert) error {
	ctx, span := pdotel.StartClientSpan(ctx, pdotel.GlobalTracer(), "alert.kafka",
		pdotel.AttrPolicyID.String(a.PolicyID),
		pdotel.AttrPolicyKind.String(string(a.Kind)),
		pdotel.AttrIdempotencyKey.String(a.IdempotencyKey),
	)
	defer span.End()

	a.Reason = shared.Redact(a.Reason)
	value, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	return n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(a.PolicyID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "idempotency_key", Value: []byte(a.IdempotencyKey)},
			{Key: "policy_kind", Value: []byte(a.Kind)},
		},
	})
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
