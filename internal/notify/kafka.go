package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaNotifier publishes events as JSON to a topic, keyed by transaction ID
// so all events of one transaction land on the same partition in order.
type KafkaNotifier struct {
	writer  *kafka.Writer
	timeout time.Duration
}

// messageWriter is the part of *kafka.Writer the notifier uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		timeout: 10 * time.Second,
	}
}

// Message encodes ev as a kafka message.
func Message(ev Event) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode event: %w", err)
	}
	key := ev.TransactionID
	if key == "" {
		key = ev.DisputeID
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	}, nil
}

func (k *KafkaNotifier) Notify(ctx context.Context, ev Event) error {
	return publish(ctx, k.writer, k.timeout, ev)
}

func publish(ctx context.Context, w messageWriter, timeout time.Duration, ev Event) error {
	msg, err := Message(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Kind, err)
	}
	return nil
}

// Close flushes pending writes.
func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}
