package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/omnisearch/omnisearch/abengine/internal/config"
	"github.com/omnisearch/omnisearch/abengine/internal/metrics"
	"github.com/omnisearch/omnisearch/abengine/internal/storage"
)

// Stream is the log stream audit records are appended to
const Stream = "audit"

// Record kinds
const (
	KindEvent      = "event"
	KindAssignment = "assignment"
	KindReset      = "reset"
)

// Record is one entry of the audit trail
type Record struct {
	Kind       string          `json:"kind"`
	IdentityID string          `json:"identity_id,omitempty"`
	Variant    string          `json:"variant,omitempty"`
	EventType  string          `json:"event_type,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Mirror receives a copy of every audit record. Publish must not block on I/O.
type Mirror interface {
	Name() string
	Publish(ctx context.Context, rec Record) error
	Close() error
}

// Trail is the always-on audit log. Records are written to the local
// append-only file before the call returns; mirrors get a copy asynchronously.
type Trail struct {
	log     *storage.FileLog
	mirrors []Mirror

	mu     sync.Mutex
	closed bool
}

// NewTrail writes to l and forwards to mirrors
func NewTrail(l *storage.FileLog, mirrors ...Mirror) *Trail {
	return &Trail{log: l, mirrors: mirrors}
}

// OpenTrail opens the file at cfg.Path plus every mirror cfg configures.
// A mirror that cannot be reached is logged and skipped.
func OpenTrail(cfg config.AuditConfig) (*Trail, error) {
	l, err := storage.OpenFileLog(cfg.Path, 0)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	var mirrors []Mirror
	if len(cfg.Kafka.Brokers) > 0 {
		mirrors = append(mirrors, NewKafkaMirror(cfg.Kafka))
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("Audit Kafka mirror enabled")
	}
	if cfg.ClickHouse.Addr != "" {
		ch, err := NewClickHouse(cfg.ClickHouse)
		if err != nil {
			log.Error().Err(err).Str("addr", cfg.ClickHouse.Addr).Msg("Audit ClickHouse mirror disabled")
		} else {
			mirrors = append(mirrors, NewClickHouseMirror(ch, cfg.ClickHouse))
			log.Info().Str("addr", cfg.ClickHouse.Addr).Msg("Audit ClickHouse mirror enabled")
		}
	}

	return NewTrail(l, mirrors...), nil
}

// Record appends rec to the audit log and hands it to the mirrors
func (t *Trail) Record(ctx context.Context, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	if _, err := t.log.Append(ctx, Stream, data); err != nil {
		metrics.AuditErrors.WithLabelValues("file").Inc()
		return fmt.Errorf("append audit record: %w", err)
	}

	for _, m := range t.mirrors {
		if err := m.Publish(ctx, rec); err != nil {
			log.Error().Err(err).Str("mirror", m.Name()).Str("kind", rec.Kind).Msg("Failed to publish audit record")
		}
	}
	return nil
}

// Records returns the audit records of the given kind in write order. An empty kind returns all.
func (t *Trail) Records(ctx context.Context, kind string) ([]Record, error) {
	raw, err := t.log.Query(ctx, Stream, nil)
	if err != nil {
		return nil, err
	}
	return decodeRecords(raw, kind), nil
}

// Path returns the audit file
func (t *Trail) Path() string { return t.log.Path() }

// Close flushes the mirrors and closes the file
func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	var errs []error
	for _, m := range t.mirrors {
		if err := m.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s mirror: %w", m.Name(), err))
		}
	}
	errs = append(errs, t.log.Close())
	return errors.Join(errs...)
}

// ReadFile decodes every record of the audit file at path
func ReadFile(ctx context.Context, path string) ([]Record, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	l, err := storage.OpenFileLog(path, 0)
	if err != nil {
		return nil, err
	}
	defer l.Close()

	raw, err := l.Query(ctx, Stream, nil)
	if err != nil {
		return nil, err
	}
	return decodeRecords(raw, ""), nil
}

func decodeRecords(raw [][]byte, kind string) []Record {
	out := make([]Record, 0, len(raw))
	for _, r := range raw {
		var rec Record
		if err := json.Unmarshal(r, &rec); err != nil {
			log.Warn().Err(err).Msg("Skipping undecodable audit record")
			continue
		}
		if kind != "" && rec.Kind != kind {
			continue
		}
		out = append(out, rec)
	}
	return out
}
