package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/omnisearch/omnisearch/abengine/internal/config"
)

// RecordHandler consumes one replayed audit record
type RecordHandler func(ctx context.Context, rec Record) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Replayer reads audit records back from Kafka
type Replayer struct {
	reader      messageReader
	handler     RecordHandler
	idleTimeout time.Duration
}

// NewReplayer reads cfg.Topic from the earliest offset the consumer group
// has not committed. A positive idleTimeout ends Run once the topic has
// been quiet that long.
func NewReplayer(cfg config.KafkaConfig, handler RecordHandler, idleTimeout time.Duration) *Replayer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       1,    // replay favours latency over batching
		MaxBytes:       10e6, // 10MB
		CommitInterval: time.Second,
		StartOffset:    kafka.FirstOffset,
	})
	return newReplayer(reader, handler, idleTimeout)
}

func newReplayer(r messageReader, handler RecordHandler, idleTimeout time.Duration) *Replayer {
	return &Replayer{reader: r, handler: handler, idleTimeout: idleTimeout}
}

// Run feeds records to the handler until ctx is done or the topic goes idle.
// It returns the number of records handled.
func (r *Replayer) Run(ctx context.Context) (int, error) {
	log.Info().Dur("idle_timeout", r.idleTimeout).Msg("Starting audit replay")

	handled := 0
	for {
		if ctx.Err() != nil {
			return handled, nil
		}

		fetchCtx, cancel := ctx, context.CancelFunc(func() {})
		if r.idleTimeout > 0 {
			fetchCtx, cancel = context.WithTimeout(ctx, r.idleTimeout)
		}
		msg, err := r.reader.FetchMessage(fetchCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return handled, nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				log.Info().Int("records", handled).Msg("Audit replay caught up")
				return handled, nil
			}
			return handled, err
		}

		// Parse message
		var rec Record
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			log.Error().
				Err(err).
				Str("value", string(msg.Value)).
				Msg("Failed to parse audit record")
		} else if err := r.handler(ctx, rec); err != nil {
			log.Error().
				Err(err).
				Str("kind", rec.Kind).
				Str("identity_id", rec.IdentityID).
				Msg("Failed to replay audit record")
		} else {
			handled++
		}

		// Commit even on failure to avoid getting stuck
		if err := r.reader.CommitMessages(ctx, msg); err != nil {
			log.Error().Err(err).Msg("Failed to commit message")
		}
	}
}

func (r *Replayer) Close() error {
	log.Info().Msg("Closing audit replayer")
	return r.reader.Close()
}
