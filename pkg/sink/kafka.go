package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/sitepulse/sitepulse/pkg/record"
)

// Kafka writes records to a topic, keyed by session so one session's records
// land on one partition in order.
type Kafka struct {
	name   string
	writer *kafka.Writer
}

// NewKafka creates a producer for topic on brokers.
func NewKafka(name string, brokers []string, topic string) (*Kafka, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, fmt.Errorf("sink.NewKafka: brokers and topic are required")
	}
	return &Kafka{
		name: name,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 50 * time.Millisecond,
		},
	}, nil
}

func (k *Kafka) Name() string { return k.name }

// Send writes one message.
func (k *Kafka) Send(ctx context.Context, rec record.Record) error {
	return k.SendBatch(ctx, []record.Record{rec})
}

// SendBatch writes all records in one produce call.
func (k *Kafka) SendBatch(ctx context.Context, recs []record.Record) error {
	msgs := make([]kafka.Message, 0, len(recs))
	for _, rec := range recs {
		msg, err := kafkaMessage(rec)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("sink.Kafka: write: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	return k.writer.Close()
}

func kafkaMessage(rec record.Record) (kafka.Message, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("sink.Kafka: marshal %s: %w", rec.ID, err)
	}
	return kafka.Message{
		Key:   []byte(rec.SessionID),
		Value: payload,
		Time:  rec.Timestamp,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(rec.Kind)},
		},
	}, nil
}
