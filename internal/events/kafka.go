package events

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"github.com/example/ridepool/internal/models"
)

// KafkaSink writes allocation records to a topic keyed by pool id, so one
// pool's records stay in order within a partition.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}, RequiredAcks: kafka.RequireOne}
	return &KafkaSink{writer: w}
}

func (k *KafkaSink) Send(ctx context.Context, rec models.AllocationRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(rec.PoolID), Value: b})
}

func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
