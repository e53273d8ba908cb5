package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/rs/zerolog/log"

	"github.com/omnisearch/omnisearch/abengine/internal/metrics"
)

const (
	DefaultTimeout   = 2 * time.Second
	DefaultSpoolSize = 10000
	DefaultCacheSize = 32 << 20
)

type spoolKind int

const (
	spoolAppend spoolKind = iota
	spoolPut
	spoolPutIfAbsent
)

type spoolEntry struct {
	seq    uint64
	kind   spoolKind
	stream string
	key    string
	value  []byte
	ttl    time.Duration
}

// FallbackOptions tunes the fallback decorator
type FallbackOptions struct {
	// Timeout bounds every primary call. Zero uses DefaultTimeout.
	Timeout time.Duration

	// SpoolSize caps writes held for replay. Zero uses DefaultSpoolSize.
	SpoolSize int

	// CacheSize caps, in bytes, the values read from primary that are kept
	// for lookups during an outage. Zero uses DefaultCacheSize.
	CacheSize int64
}

// Stats is a snapshot of the decorator's degraded-mode state
type Stats struct {
	Backend   string `json:"backend"`
	Degraded  bool   `json:"degraded"`
	Fallbacks uint64 `json:"fallbacks"`
	Pending   int    `json:"pending"`
	Dropped   uint64 `json:"dropped"`
	Flushed   uint64 `json:"flushed"`
}

// Fallback serves every call from primary and, when primary is unavailable,
// from secondary. Key writes that landed only on secondary are spooled and
// replayed to primary by Flush. Stream appends made during an outage live in
// the spool alone, so the spool bounds everything held in memory.
type Fallback struct {
	primary   Backend
	secondary Backend
	timeout   time.Duration
	spoolSize int

	// values seen on primary, served when primary is down and secondary misses
	cache *ristretto.Cache[string, []byte]

	mu        sync.Mutex
	spool     []spoolEntry
	nextSeq   uint64
	degraded  bool
	fallbacks uint64
	dropped   uint64
	flushed   uint64

	flushMu sync.Mutex

	stop chan struct{}
	done chan struct{}
}

// NewFallback decorates primary with secondary as the degraded-mode target
func NewFallback(primary, secondary Backend, opts FallbackOptions) *Fallback {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.SpoolSize <= 0 {
		opts.SpoolSize = DefaultSpoolSize
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}

	// Ten counters per expected entry of roughly 640 bytes
	counters := opts.CacheSize / 64
	if counters < 1000 {
		counters = 1000
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters:        counters,
		MaxCost:            opts.CacheSize,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		log.Error().Err(err).Msg("Read-through cache disabled")
		cache = nil
	}

	return &Fallback{
		primary:   primary,
		secondary: secondary,
		timeout:   opts.Timeout,
		spoolSize: opts.SpoolSize,
		cache:     cache,
	}
}

// remember keeps a value primary returned for lookups during an outage
func (f *Fallback) remember(key string, value []byte, ttl time.Duration) {
	if f.cache == nil || value == nil {
		return
	}
	if f.cache.SetWithTTL(key, cloneBytes(value), int64(len(key)+len(value)), ttl) {
		f.cache.Wait()
	}
}

func (f *Fallback) recall(key string) ([]byte, bool) {
	if f.cache == nil {
		return nil, false
	}
	v, ok := f.cache.Get(key)
	if !ok {
		return nil, false
	}
	return cloneBytes(v), true
}

type deleter interface {
	Delete(ctx context.Context, key string) error
}

func (f *Fallback) Name() string { return f.primary.Name() }

// Primary returns the decorated backend
func (f *Fallback) Primary() Backend { return f.primary }

// call runs fn against primary under the call timeout
func (f *Fallback) call(ctx context.Context, fn func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	err := fn(cctx)
	if !IsUnavailable(err) {
		f.markHealthy()
	}
	return err
}

// markHealthy leaves degraded mode once primary answers and nothing is waiting for replay
func (f *Fallback) markHealthy() {
	f.mu.Lock()
	if f.degraded && len(f.spool) == 0 {
		f.degraded = false
		log.Info().Str("backend", f.primary.Name()).Msg("Storage backend recovered")
	}
	f.mu.Unlock()
}

// shouldFallback reports whether err from primary should be retried on
// secondary. Cancellation by the caller is returned as-is.
func (f *Fallback) shouldFallback(ctx context.Context, err error) bool {
	return IsUnavailable(err) && ctx.Err() == nil
}

// degrade records a fallback. Caller must not hold f.mu.
func (f *Fallback) degrade(op string, err error) {
	f.mu.Lock()
	f.degraded = true
	f.fallbacks++
	pending := len(f.spool)
	f.mu.Unlock()

	metrics.StorageFallbacks.WithLabelValues(f.primary.Name(), op).Inc()
	log.Warn().
		Err(err).
		Str("backend", f.primary.Name()).
		Str("fallback", f.secondary.Name()).
		Str("op", op).
		Int("pending", pending).
		Msg("Storage backend unavailable, using fallback")
}

// enqueueLocked adds e to the spool, dropping the oldest entry when full.
// A dropped key write is removed from secondary too. Caller holds f.mu.
func (f *Fallback) enqueueLocked(ctx context.Context, e spoolEntry) uint64 {
	f.nextSeq++
	e.seq = f.nextSeq

	if len(f.spool) >= f.spoolSize {
		dropped := f.spool[0]
		f.spool = f.spool[1:]
		f.dropped++
		metrics.EventsDropped.Inc()
		if dropped.kind != spoolAppend && !f.spooledLocked(dropped.key) {
			f.forgetLocked(ctx, dropped.key)
		}
		log.Warn().
			Str("stream", dropped.stream).
			Str("key", dropped.key).
			Uint64("dropped_total", f.dropped).
			Msg("Spool full, dropped oldest record")
	}
	f.spool = append(f.spool, e)
	metrics.SpoolPending.Set(float64(len(f.spool)))
	return e.seq
}

// spooledLocked reports whether a key write is still waiting for replay
func (f *Fallback) spooledLocked(key string) bool {
	for _, e := range f.spool {
		if e.kind != spoolAppend && e.key == key {
			return true
		}
	}
	return false
}

func (f *Fallback) forgetLocked(ctx context.Context, key string) {
	d, ok := f.secondary.(deleter)
	if !ok {
		return
	}
	if err := d.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
		log.Error().Err(err).Str("key", key).Msg("Failed to drop fallback value")
	}
}

func (f *Fallback) Get(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := f.call(ctx, func(ctx context.Context) error {
		var err error
		val, err = f.primary.Get(ctx, key)
		return err
	})
	if err == nil {
		f.remember(key, val, 0)
		return val, nil
	}

	// Secondary holds writes made while primary was down and not yet replayed
	if errors.Is(err, ErrNotFound) {
		return f.secondary.Get(ctx, key)
	}
	if !f.shouldFallback(ctx, err) {
		return nil, err
	}
	f.degrade("get", err)

	val, err = f.secondary.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		if cached, ok := f.recall(key); ok {
			return cached, nil
		}
	}
	return val, err
}

func (f *Fallback) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := f.call(ctx, func(ctx context.Context) error {
		return f.primary.Put(ctx, key, value, ttl)
	})
	if err == nil {
		f.remember(key, value, ttl)
		return nil
	}
	if !f.shouldFallback(ctx, err) {
		return err
	}
	f.degrade("put", err)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.secondary.Put(ctx, key, value, ttl); err != nil {
		return fmt.Errorf("fallback put %s: %w", key, err)
	}
	f.enqueueLocked(ctx, spoolEntry{kind: spoolPut, key: key, value: cloneBytes(value), ttl: ttl})
	return nil
}

func (f *Fallback) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) ([]byte, bool, error) {
	// A degraded write not yet replayed still owns the key
	if held, err := f.secondary.Get(ctx, key); err == nil {
		return f.replayHeld(ctx, key, held, ttl)
	}

	var stored []byte
	var created bool
	err := f.call(ctx, func(ctx context.Context) error {
		var err error
		stored, created, err = f.primary.PutIfAbsent(ctx, key, value, ttl)
		return err
	})
	if err == nil {
		f.remember(key, stored, ttl)
		return stored, created, nil
	}
	if !f.shouldFallback(ctx, err) {
		return nil, false, err
	}
	f.degrade("put_if_absent", err)

	// The key was already taken on primary before the outage
	if cached, ok := f.recall(key); ok {
		return cached, false, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	stored, created, err = f.secondary.PutIfAbsent(ctx, key, value, ttl)
	if err != nil {
		return nil, false, fmt.Errorf("fallback put-if-absent %s: %w", key, err)
	}
	if created {
		f.enqueueLocked(ctx, spoolEntry{kind: spoolPutIfAbsent, key: key, value: cloneBytes(value), ttl: ttl})
	}
	return stored, created, nil
}

// replayHeld pushes a value held on secondary to primary. The value already
// on primary wins a conflict.
func (f *Fallback) replayHeld(ctx context.Context, key string, held []byte, ttl time.Duration) ([]byte, bool, error) {
	var stored []byte
	err := f.call(ctx, func(ctx context.Context) error {
		var err error
		stored, _, err = f.primary.PutIfAbsent(ctx, key, held, ttl)
		return err
	})
	if err != nil {
		if !f.shouldFallback(ctx, err) {
			return nil, false, err
		}
		f.degrade("put_if_absent", err)
		return held, false, nil
	}

	f.remember(key, stored, ttl)
	if !bytes.Equal(stored, held) {
		if err := f.secondary.Put(ctx, key, stored, ttl); err != nil {
			log.Error().Err(err).Str("key", key).Msg("Failed to overwrite fallback value")
		}
	}
	return stored, false, nil
}

func (f *Fallback) Append(ctx context.Context, stream string, record []byte) (string, error) {
	var id string
	err := f.call(ctx, func(ctx context.Context) error {
		var err error
		id, err = f.primary.Append(ctx, stream, record)
		return err
	})
	if err == nil || !f.shouldFallback(ctx, err) {
		return id, err
	}
	f.degrade("append", err)

	f.mu.Lock()
	defer f.mu.Unlock()
	seq := f.enqueueLocked(ctx, spoolEntry{kind: spoolAppend, stream: stream, value: cloneBytes(record)})
	return fmt.Sprintf("spool-%d", seq), nil
}

// spooledRecordsLocked returns the stream's appends waiting for replay. Caller holds f.mu.
func (f *Fallback) spooledRecordsLocked(stream string, match func([]byte) bool) [][]byte {
	var out [][]byte
	for _, e := range f.spool {
		if e.kind == spoolAppend && e.stream == stream && match(e.value) {
			out = append(out, cloneBytes(e.value))
		}
	}
	return out
}

func (f *Fallback) Query(ctx context.Context, stream string, match func([]byte) bool) ([][]byte, error) {
	var out [][]byte
	err := f.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = f.primary.Query(ctx, stream, match)
		return err
	})
	match = matchAll(match)
	if err != nil {
		if !f.shouldFallback(ctx, err) {
			return nil, err
		}
		f.degrade("query", err)

		f.mu.Lock()
		defer f.mu.Unlock()
		return f.spooledRecordsLocked(stream, match), nil
	}

	// Records written while primary was down are not there yet
	f.mu.Lock()
	defer f.mu.Unlock()
	return append(out, f.spooledRecordsLocked(stream, match)...), nil
}

// Clear empties primary, secondary and the spool. A primary failure is
// returned rather than masked, so nothing is left half-cleared silently.
func (f *Fallback) Clear(ctx context.Context) error {
	f.flushMu.Lock()
	defer f.flushMu.Unlock()

	err := f.call(ctx, func(ctx context.Context) error {
		return f.primary.Clear(ctx)
	})
	if err != nil {
		return fmt.Errorf("%w: clear %s: %v", ErrUnavailable, f.primary.Name(), err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.secondary.Clear(ctx); err != nil {
		return fmt.Errorf("clear %s: %w", f.secondary.Name(), err)
	}
	f.spool = nil
	f.degraded = false
	if f.cache != nil {
		f.cache.Clear()
	}
	metrics.SpoolPending.Set(0)
	return nil
}

func (f *Fallback) replay(ctx context.Context, e spoolEntry) error {
	return f.call(ctx, func(ctx context.Context) error {
		switch e.kind {
		case spoolAppend:
			_, err := f.primary.Append(ctx, e.stream, e.value)
			return err
		case spoolPut:
			return f.primary.Put(ctx, e.key, e.value, e.ttl)
		default:
			stored, _, err := f.primary.PutIfAbsent(ctx, e.key, e.value, e.ttl)
			if err != nil {
				return err
			}
			f.remember(e.key, stored, e.ttl)
			if !bytes.Equal(stored, e.value) {
				return f.secondary.Put(ctx, e.key, stored, e.ttl)
			}
			return nil
		}
	})
}

// Flush replays spooled writes to primary in order and stops at the first
// failure. It returns how many entries were delivered.
func (f *Fallback) Flush(ctx context.Context) (int, error) {
	f.flushMu.Lock()
	defer f.flushMu.Unlock()

	n := 0
	for {
		f.mu.Lock()
		if len(f.spool) == 0 {
			if n > 0 {
				// Everything on secondary has reached primary
				if err := f.secondary.Clear(ctx); err != nil {
					log.Error().Err(err).Msg("Failed to clear fallback backend")
				}
				f.degraded = false
			}
			f.mu.Unlock()
			if n > 0 {
				log.Info().Str("backend", f.primary.Name()).Int("records", n).Msg("Spool flushed")
			}
			return n, nil
		}
		e := f.spool[0]
		f.mu.Unlock()

		if err := f.replay(ctx, e); err != nil {
			return n, fmt.Errorf("flush to %s: %w", f.primary.Name(), err)
		}

		f.mu.Lock()
		// The entry may have been dropped by an overflow while replaying
		if len(f.spool) > 0 && f.spool[0].seq == e.seq {
			f.spool = f.spool[1:]
		}
		f.flushed++
		metrics.SpoolPending.Set(float64(len(f.spool)))
		f.mu.Unlock()
		n++
	}
}

// Start flushes the spool every interval until Stop
func (f *Fallback) Start(interval time.Duration) {
	if interval <= 0 || f.stop != nil {
		return
	}
	f.stop = make(chan struct{})
	f.done = make(chan struct{})
	go f.flushLoop(interval)
}

func (f *Fallback) flushLoop(interval time.Duration) {
	defer close(f.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			if f.Stats().Pending == 0 {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if _, err := f.Flush(ctx); err != nil {
				log.Warn().Err(err).Int("pending", f.Stats().Pending).Msg("Spool flush failed, will retry")
			}
			cancel()
		}
	}
}

// Stop ends the background flush loop
func (f *Fallback) Stop() {
	if f.stop == nil {
		return
	}
	close(f.stop)
	<-f.done
	f.stop = nil
}

// Stats returns the current degraded-mode state
func (f *Fallback) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{
		Backend:   f.primary.Name(),
		Degraded:  f.degraded,
		Fallbacks: f.fallbacks,
		Pending:   len(f.spool),
		Dropped:   f.dropped,
		Flushed:   f.flushed,
	}
}

// Close stops flushing, makes a last delivery attempt and closes both backends
func (f *Fallback) Close() error {
	f.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	if _, err := f.Flush(ctx); err != nil {
		log.Error().Err(err).Int("pending", f.Stats().Pending).Msg("Spool not fully flushed on close")
	}

	if f.cache != nil {
		f.cache.Close()
	}
	return errors.Join(f.primary.Close(), f.secondary.Close())
}
