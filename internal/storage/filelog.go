package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	fileOpPut    = "put"
	fileOpAppend = "append"
)

// fileOp is one JSONL line. JSON values are embedded as-is so the file stays
// readable; anything else is kept base64 encoded in Raw.
type fileOp struct {
	Op        string          `json:"op"`
	Key       string          `json:"key,omitempty"`
	Stream    string          `json:"stream,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
	Raw       []byte          `json:"raw,omitempty"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	At        time.Time       `json:"at"`
}

func (o fileOp) payload() []byte {
	if o.Value != nil {
		return []byte(o.Value)
	}
	return o.Raw
}

type fileRecord struct {
	value     []byte
	expiresAt time.Time
}

// FileLog is a durable append-only JSONL backend. Every write is a new line;
// the in-memory index is rebuilt from the file on open.
type FileLog struct {
	path      string
	streamTTL time.Duration

	mu      sync.RWMutex
	f       *os.File
	kv      map[string]memoryEntry
	streams map[string][]fileRecord
	closed  bool
	now     func() time.Time
}

// OpenFileLog opens (or creates) the log at path and replays it into memory
func OpenFileLog(path string, streamTTL time.Duration) (*FileLog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create log directory %s: %w", dir, err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}

	l := &FileLog{
		path:      path,
		streamTTL: streamTTL,
		f:         f,
		kv:        make(map[string]memoryEntry),
		streams:   make(map[string][]fileRecord),
		now:       time.Now,
	}

	if err := l.load(); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

func (l *FileLog) load() error {
	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek log %s: %w", l.path, err)
	}

	scanner := bufio.NewScanner(l.f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var op fileOp
		if err := json.Unmarshal(scanner.Bytes(), &op); err != nil {
			// A torn final write leaves a partial line; skip it and keep going
			log.Warn().Err(err).Str("path", l.path).Int("line", line).Msg("Skipping unreadable log line")
			continue
		}
		l.apply(op)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read log %s: %w", l.path, err)
	}

	log.Debug().Str("path", l.path).Int("lines", line).Msg("File log loaded")
	return nil
}

func (l *FileLog) apply(op fileOp) {
	var exp time.Time
	if op.ExpiresAt != nil {
		exp = *op.ExpiresAt
	}

	switch op.Op {
	case fileOpPut:
		l.kv[op.Key] = memoryEntry{value: op.payload(), expiresAt: exp}
	case fileOpAppend:
		l.streams[op.Stream] = append(l.streams[op.Stream], fileRecord{value: op.payload(), expiresAt: exp})
	}
}

// write persists op as one line. Caller holds l.mu.
func (l *FileLog) write(op fileOp, value []byte) error {
	if json.Valid(value) {
		op.Value = json.RawMessage(value)
	} else {
		op.Raw = value
	}

	line, err := json.Marshal(op)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	if _, err := l.f.Write(line); err != nil {
		return fmt.Errorf("write log %s: %w", l.path, err)
	}
	return nil
}

func (l *FileLog) Name() string { return "file" }

// Path returns the file backing the log
func (l *FileLog) Path() string { return l.path }

func (l *FileLog) Get(ctx context.Context, key string) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}

	e, ok := l.kv[key]
	if !ok || expired(e.expiresAt, l.now()) {
		return nil, ErrNotFound
	}
	return cloneBytes(e.value), nil
}

func (l *FileLog) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return l.putLocked(key, value, ttl)
}

func (l *FileLog) putLocked(key string, value []byte, ttl time.Duration) error {
	now := l.now()
	exp := expiry(ttl, now)

	op := fileOp{Op: fileOpPut, Key: key, At: now}
	if !exp.IsZero() {
		op.ExpiresAt = &exp
	}
	if err := l.write(op, value); err != nil {
		return err
	}
	l.kv[key] = memoryEntry{value: cloneBytes(value), expiresAt: exp}
	return nil
}

func (l *FileLog) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) ([]byte, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, false, ErrClosed
	}

	if e, ok := l.kv[key]; ok && !expired(e.expiresAt, l.now()) {
		return cloneBytes(e.value), false, nil
	}
	if err := l.putLocked(key, value, ttl); err != nil {
		return nil, false, err
	}
	return cloneBytes(value), true, nil
}

func (l *FileLog) Append(ctx context.Context, stream string, record []byte) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return "", ErrClosed
	}

	now := l.now()
	exp := expiry(l.streamTTL, now)

	op := fileOp{Op: fileOpAppend, Stream: stream, At: now}
	if !exp.IsZero() {
		op.ExpiresAt = &exp
	}
	if err := l.write(op, record); err != nil {
		return "", err
	}

	l.streams[stream] = append(l.streams[stream], fileRecord{value: cloneBytes(record), expiresAt: exp})
	return strconv.Itoa(len(l.streams[stream])), nil
}

func (l *FileLog) Query(ctx context.Context, stream string, match func([]byte) bool) ([][]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}

	match = matchAll(match)
	now := l.now()

	var out [][]byte
	for _, rec := range l.streams[stream] {
		if expired(rec.expiresAt, now) {
			continue
		}
		if match(rec.value) {
			out = append(out, cloneBytes(rec.value))
		}
	}
	return out, nil
}

// Clear truncates the file and the index
func (l *FileLog) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate log %s: %w", l.path, err)
	}
	l.kv = make(map[string]memoryEntry)
	l.streams = make(map[string][]fileRecord)
	return nil
}

// Sync flushes the file to stable storage
func (l *FileLog) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return l.f.Sync()
}

func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	syncErr := l.f.Sync()
	closeErr := l.f.Close()
	return errors.Join(syncErr, closeErr)
}
