package presencekafka

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"presencetrack/internal/logger"
	"presencetrack/pkg/models"
)

// Config configures the Kafka publisher.
type Config struct {
	Brokers []string
	Topic   string
	Timeout time.Duration
}

// messageWriter is the subset of kafka.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Writer publishes presence events to a Kafka topic, keyed by entity id so that
// every transition of one entity lands on the same partition.
type Writer struct {
	w       messageWriter
	timeout time.Duration
}

// NewWriter creates a Kafka presence event writer.
func NewWriter(cfg Config) (*Writer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are empty")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	kw := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: timeout,
	}
	logger.Infof("Presence Kafka writer initialized: topic=%s brokers=%v", cfg.Topic, cfg.Brokers)
	return &Writer{w: kw, timeout: timeout}, nil
}

// ToMessage maps a presence event to a Kafka message.
func ToMessage(ev *models.PresenceEvent) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal presence event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(ev.Entity.ID),
		Value: value,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	}, nil
}

// WriteEvents publishes a batch of presence events.
func (w *Writer) WriteEvents(events []*models.PresenceEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		msg, err := ToMessage(ev)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := w.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka write failed: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the producer.
func (w *Writer) Close() error {
	return w.w.Close()
}
