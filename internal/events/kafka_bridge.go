package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaBridge forwards bus events to a Kafka topic so out-of-process
// consumers (billing, analytics, notification fan-out) see the same
// stream. Messages are keyed by Event.Key, which keeps per-ride order
// within a partition.
type KafkaBridge struct {
	writer *kafka.Writer
	sub    *Subscription
	log    *slog.Logger
}

func NewKafkaBridge(brokers []string, topic string, sub *Subscription, log *slog.Logger) *KafkaBridge {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaBridge{writer: w, sub: sub, log: log}
}

// Run pumps the subscription until ctx is cancelled or the
// subscription closes. Delivery failures are logged and the event is
// dropped here; the durable trail is the ride history, not this
// stream.
func (b *KafkaBridge) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-b.sub.C:
			if !ok {
				return
			}
			if err := b.publish(e); err != nil {
				b.log.Warn("kafka bridge publish failed", "topic", e.Topic, "key", e.Key, "error", err)
			}
		}
	}
}

func (b *KafkaBridge) publish(e Event) error {
	v, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return b.writer.WriteMessages(ctx, kafka.Message{Key: []byte(e.Key), Value: v})
}

func (b *KafkaBridge) Close() error {
	b.sub.Close()
	if b.writer == nil {
		return nil
	}
	return b.writer.Close()
}
