package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/rl1809/retail-stock/internal/core/domain"
)

const DefaultAlertTopic = "stock.reconciliation"

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaAlertPublisher sends reconciliation alerts keyed by sale or refund id,
// so alerts for one source stay ordered within a partition.
type KafkaAlertPublisher struct {
	writer messageWriter
	logger *zap.Logger
}

func NewKafkaAlertPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaAlertPublisher {
	if topic == "" {
		topic = DefaultAlertTopic
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return newKafkaAlertPublisher(w, logger)
}

func newKafkaAlertPublisher(w messageWriter, logger *zap.Logger) *KafkaAlertPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaAlertPublisher{writer: w, logger: logger}
}

func (p *KafkaAlertPublisher) Publish(ctx context.Context, alert domain.ReconciliationAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(alert.SourceID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "alert-kind", Value: []byte(alert.Kind)},
		},
	}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{msg: &msg})

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write alert: %w", err)
	}
	p.logger.Info("reconciliation alert published",
		zap.String("kind", string(alert.Kind)),
		zap.String("source_id", alert.SourceID),
		zap.String("operation_id", alert.OperationID))
	return nil
}

func (p *KafkaAlertPublisher) Close() error {
	return p.writer.Close()
}

// headerCarrier lets the propagator write trace context into message headers.
type headerCarrier struct {
	msg *kafka.Message
}

func (c headerCarrier) Get(key string) string {
	for _, h := range c.msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	for i, h := range c.msg.Headers {
		if h.Key == key {
			c.msg.Headers[i].Value = []byte(value)
			return
		}
	}
	c.msg.Headers = append(c.msg.Headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.msg.Headers))
	for _, h := range c.msg.Headers {
		keys = append(keys, h.Key)
	}
	return keys
}

// LogAlertPublisher is used when no brokers are configured. The alert is
// still written at error level with every field.
type LogAlertPublisher struct {
	logger *zap.Logger
}

func NewLogAlertPublisher(logger *zap.Logger) *LogAlertPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogAlertPublisher{logger: logger}
}

func (p *LogAlertPublisher) Publish(ctx context.Context, alert domain.ReconciliationAlert) error {
	p.logger.Error("reconciliation alert",
		zap.String("kind", string(alert.Kind)),
		zap.String("source_id", alert.SourceID),
		zap.String("operation_id", alert.OperationID),
		zap.String("intent", string(alert.IntentKind)),
		zap.String("store_id", alert.StoreID),
		zap.String("product_id", alert.ProductID),
		zap.Int("quantity", alert.Quantity),
		zap.String("error", alert.Error),
		zap.Time("at", alert.At),
	)
	return nil
}
