package audit

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnisearch/omnisearch/abengine/internal/config"
	"github.com/omnisearch/omnisearch/abengine/internal/metrics"
	"github.com/omnisearch/omnisearch/abengine/internal/storage"
)

type captureMirror struct {
	mu      sync.Mutex
	records []Record
	closed  bool
}

func (m *captureMirror) Name() string { return "capture" }

func (m *captureMirror) Publish(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *captureMirror) Close() error {
	m.closed = true
	return nil
}

func newTrail(t *testing.T, mirrors ...Mirror) (*Trail, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ab_events.jsonl")
	l, err := storage.OpenFileLog(path, 0)
	require.NoError(t, err)
	return NewTrail(l, mirrors...), path
}

func TestTrail_RecordsAndMirrors(t *testing.T) {
	mirror := &captureMirror{}
	trail, path := newTrail(t, mirror)
	ctx := context.Background()

	require.NoError(t, trail.Record(ctx, Record{
		Kind:       KindEvent,
		IdentityID: "u1",
		Variant:    "search_v1",
		EventType:  "search",
		Payload:    json.RawMessage(`{"query":"red shoes"}`),
	}))
	require.NoError(t, trail.Record(ctx, Record{Kind: KindReset}))

	all, err := trail.Records(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "u1", all[0].IdentityID)
	assert.False(t, all[0].Timestamp.IsZero())

	resets, err := trail.Records(ctx, KindReset)
	require.NoError(t, err)
	assert.Len(t, resets, 1)

	assert.Len(t, mirror.records, 2)

	require.NoError(t, trail.Close())
	assert.True(t, mirror.closed)
	assert.NoError(t, trail.Close())

	// The file outlives the trail
	recs, err := ReadFile(ctx, path)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.JSONEq(t, `{"query":"red shoes"}`, string(recs[0].Payload))
	assert.Equal(t, KindReset, recs[1].Kind)
}

func TestReadFile_Missing(t *testing.T) {
	_, err := ReadFile(context.Background(), filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Error(t, err)
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaMirror_KeysByIdentity(t *testing.T) {
	w := &fakeWriter{}
	m := newKafkaMirror(w, "abengine.events.audit")

	require.NoError(t, m.Publish(context.Background(), Record{Kind: KindEvent, IdentityID: "u1"}))
	require.NoError(t, m.Publish(context.Background(), Record{Kind: KindReset}))

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "u1", string(w.msgs[0].Key))
	assert.Equal(t, KindReset, string(w.msgs[1].Key))

	var rec Record
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &rec))
	assert.Equal(t, "u1", rec.IdentityID)
}

func TestKafkaMirror_ReturnsWriterError(t *testing.T) {
	m := newKafkaMirror(&fakeWriter{err: errors.New("broker down")}, "t")
	assert.Error(t, m.Publish(context.Background(), Record{Kind: KindEvent}))
}

type fakeInserter struct {
	mu      sync.Mutex
	batches [][]AuditRow
	closed  bool
}

func (f *fakeInserter) InsertRows(ctx context.Context, rows []AuditRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, rows)
	return nil
}

func (f *fakeInserter) Close() error {
	f.closed = true
	return nil
}

func (f *fakeInserter) rows() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func TestClickHouseMirror_FlushesOnBatchSize(t *testing.T) {
	ins := &fakeInserter{}
	m := NewClickHouseMirror(ins, config.ClickHouseConfig{BatchSize: 2, FlushInterval: time.Hour})

	ctx := context.Background()
	require.NoError(t, m.Publish(ctx, Record{Kind: KindEvent, IdentityID: "u1", Timestamp: time.Now()}))
	require.NoError(t, m.Publish(ctx, Record{Kind: KindEvent, IdentityID: "u2", Timestamp: time.Now()}))

	assert.Eventually(t, func() bool { return ins.rows() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Close())
	assert.True(t, ins.closed)
}

func TestClickHouseMirror_FlushesOnClose(t *testing.T) {
	ins := &fakeInserter{}
	m := NewClickHouseMirror(ins, config.ClickHouseConfig{BatchSize: 100, FlushInterval: time.Hour})

	require.NoError(t, m.Publish(context.Background(), Record{Kind: KindAssignment, IdentityID: "u1", Variant: "search_v2"}))
	assert.Zero(t, ins.rows())

	require.NoError(t, m.Close())
	require.Equal(t, 1, ins.rows())
	assert.Equal(t, "search_v2", ins.batches[0][0].Variant)
}

type fakeReader struct {
	msgs      []kafka.Message
	committed int
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	msg := r.msgs[0]
	r.msgs = r.msgs[1:]
	return msg, nil
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.committed += len(msgs)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestReplayer_StopsWhenIdle(t *testing.T) {
	value, err := json.Marshal(Record{Kind: KindEvent, IdentityID: "u1"})
	require.NoError(t, err)

	reader := &fakeReader{msgs: []kafka.Message{
		{Value: value},
		{Value: []byte("not json")},
		{Value: value},
	}}

	var got []Record
	r := newReplayer(reader, func(ctx context.Context, rec Record) error {
		got = append(got, rec)
		return nil
	}, 20*time.Millisecond)

	n, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, got, 2)
	assert.Equal(t, 3, reader.committed)
	assert.NoError(t, r.Close())
}

func TestReplayer_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := newReplayer(&fakeReader{}, func(ctx context.Context, rec Record) error { return nil }, 0)
	n, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTrail_FileFailureIsCounted(t *testing.T) {
	mirror := &captureMirror{}
	trail, _ := newTrail(t, mirror)
	require.NoError(t, trail.log.Close())

	failures := metrics.AuditErrors.WithLabelValues("file")
	before := testutil.ToFloat64(failures)

	err := trail.Record(context.Background(), Record{Kind: KindEvent, IdentityID: "u1"})
	assert.ErrorIs(t, err, storage.ErrClosed)
	assert.Equal(t, before+1, testutil.ToFloat64(failures))
	assert.Empty(t, mirror.records)
}
