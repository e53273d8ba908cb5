package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/omnisearch/omnisearch/abengine/internal/config"
	"github.com/omnisearch/omnisearch/abengine/internal/metrics"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaMirror publishes audit records to a Kafka topic keyed by identity
type KafkaMirror struct {
	writer messageWriter
	topic  string
}

func NewKafkaMirror(cfg config.KafkaConfig) *KafkaMirror {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: time.Millisecond * 100,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				metrics.AuditMirrorErrors.WithLabelValues("kafka").Add(float64(len(messages)))
				log.Error().Err(err).Int("count", len(messages)).Msg("Failed to deliver audit records to Kafka")
			}
		},
	}
	return newKafkaMirror(w, cfg.Topic)
}

func newKafkaMirror(w messageWriter, topic string) *KafkaMirror {
	return &KafkaMirror{writer: w, topic: topic}
}

func (m *KafkaMirror) Name() string { return "kafka" }

// Publish enqueues rec on the async writer
func (m *KafkaMirror) Publish(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	// Identity keys keep each identity's records on one partition, in order
	key := rec.IdentityID
	if key == "" {
		key = rec.Kind
	}

	if err := m.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
	}); err != nil {
		metrics.AuditMirrorErrors.WithLabelValues("kafka").Inc()
		return err
	}
	return nil
}

func (m *KafkaMirror) Close() error {
	return m.writer.Close()
}
