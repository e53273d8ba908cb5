package audit

import (
	"context"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog/log"

	"github.com/omnisearch/omnisearch/abengine/internal/config"
	"github.com/omnisearch/omnisearch/abengine/internal/metrics"
)

type ClickHouse struct {
	conn driver.Conn
}

// AuditRow represents a row in the ab_audit table
type AuditRow struct {
	Kind       string
	IdentityID string
	Variant    string
	EventType  string
	Timestamp  time.Time
	Payload    string
}

func NewClickHouse(cfg config.ClickHouseConfig) (*ClickHouse, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
	})
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	c := &ClickHouse{conn: conn}
	if err := c.ensureSchema(context.Background()); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *ClickHouse) ensureSchema(ctx context.Context) error {
	return c.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ab_audit (
			kind        LowCardinality(String),
			identity_id String,
			variant     LowCardinality(String),
			event_type  LowCardinality(String),
			timestamp   DateTime64(3),
			payload     String
		) ENGINE = MergeTree
		ORDER BY (kind, timestamp)
	`)
}

func (c *ClickHouse) InsertRows(ctx context.Context, rows []AuditRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO ab_audit (
			kind, identity_id, variant, event_type, timestamp, payload
		)
	`)
	if err != nil {
		return err
	}

	for _, r := range rows {
		err := batch.Append(
			r.Kind, r.IdentityID, r.Variant, r.EventType, r.Timestamp, r.Payload,
		)
		if err != nil {
			return err
		}
	}

	return batch.Send()
}

func (c *ClickHouse) Close() error {
	return c.conn.Close()
}

type rowInserter interface {
	InsertRows(ctx context.Context, rows []AuditRow) error
	Close() error
}

// ClickHouseMirror buffers audit rows and writes them to ClickHouse in batches
type ClickHouseMirror struct {
	ch        rowInserter
	batchSize int

	buffer []AuditRow

	mu     sync.Mutex
	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewClickHouseMirror starts a mirror that flushes every cfg.FlushInterval or when cfg.BatchSize rows are buffered
func NewClickHouseMirror(ch rowInserter, cfg config.ClickHouseConfig) *ClickHouseMirror {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}

	m := &ClickHouseMirror{
		ch:        ch,
		batchSize: cfg.BatchSize,
		buffer:    make([]AuditRow, 0, cfg.BatchSize),
		done:      make(chan struct{}),
	}

	// Start flush ticker
	m.ticker = time.NewTicker(cfg.FlushInterval)
	m.wg.Add(1)
	go m.flushLoop()

	return m
}

func (m *ClickHouseMirror) Name() string { return "clickhouse" }

// Publish buffers rec and triggers a background flush when the batch is full
func (m *ClickHouseMirror) Publish(ctx context.Context, rec Record) error {
	row := AuditRow{
		Kind:       rec.Kind,
		IdentityID: rec.IdentityID,
		Variant:    rec.Variant,
		EventType:  rec.EventType,
		Timestamp:  rec.Timestamp,
		Payload:    string(rec.Payload),
	}

	m.mu.Lock()
	m.buffer = append(m.buffer, row)
	shouldFlush := len(m.buffer) >= m.batchSize
	m.mu.Unlock()

	if shouldFlush {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.Flush()
		}()
	}
	return nil
}

func (m *ClickHouseMirror) flushLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case <-m.ticker.C:
			m.Flush()
		}
	}
}

// Flush writes all buffered rows to ClickHouse
func (m *ClickHouseMirror) Flush() {
	m.mu.Lock()
	if len(m.buffer) == 0 {
		m.mu.Unlock()
		return
	}

	// Swap buffers so Publish never waits on the insert
	rows := m.buffer
	m.buffer = make([]AuditRow, 0, m.batchSize)
	m.mu.Unlock()

	start := time.Now()
	if err := m.ch.InsertRows(context.Background(), rows); err != nil {
		metrics.AuditMirrorErrors.WithLabelValues("clickhouse").Add(float64(len(rows)))
		log.Error().Err(err).Int("count", len(rows)).Msg("Failed to insert audit rows")
		return
	}
	log.Debug().
		Int("count", len(rows)).
		Dur("duration", time.Since(start)).
		Msg("Flushed audit rows to ClickHouse")
}

// Close stops the ticker, writes what is left and closes the connection
func (m *ClickHouseMirror) Close() error {
	m.ticker.Stop()
	close(m.done)
	m.wg.Wait()
	m.Flush() // Final flush
	return m.ch.Close()
}
