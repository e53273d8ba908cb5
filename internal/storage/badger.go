package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog/log"

	"github.com/omnisearch/omnisearch/abengine/internal/config"
)

// Badger is an embedded durable key-value backend for single-node deployments
type Badger struct {
	db        *badger.DB
	prefix    string
	streamTTL time.Duration

	mu   sync.Mutex
	seqs map[string]*badger.Sequence

	stopGC chan struct{}
	gcDone chan struct{}
}

// badgerLogger routes BadgerDB's internal logging through zerolog
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	log.Error().Str("component", "badger").Msgf(format, args...)
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	log.Warn().Str("component", "badger").Msgf(format, args...)
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	log.Debug().Str("component", "badger").Msgf(format, args...)
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	log.Trace().Str("component", "badger").Msgf(format, args...)
}

// NewBadger opens (or creates) a BadgerDB at cfg.Path, or in memory when cfg.InMemory is set
func NewBadger(cfg config.BadgerConfig, prefix string, streamTTL time.Duration) (*Badger, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badger path is required for persistent database")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	b := &Badger{
		db:        db,
		prefix:    prefix,
		streamTTL: streamTTL,
		seqs:      make(map[string]*badger.Sequence),
	}

	if !cfg.InMemory && cfg.GCInterval > 0 {
		b.stopGC = make(chan struct{})
		b.gcDone = make(chan struct{})
		go b.gcLoop(cfg.GCInterval)
	}

	return b, nil
}

func (b *Badger) Name() string { return "badger" }

func (b *Badger) kvKey(key string) []byte { return []byte(b.prefix + "kv:" + key) }

func (b *Badger) streamPrefix(stream string) []byte {
	return []byte(b.prefix + "stream:" + stream + ":")
}

func (b *Badger) Get(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.kvKey(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get %s: %w", key, err)
	}
	return val, nil
}

func (b *Badger) entry(key, value []byte, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry(key, value)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}

func (b *Badger) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(b.entry(b.kvKey(key), value, ttl))
	})
	if err != nil {
		return fmt.Errorf("badger put %s: %w", key, err)
	}
	return nil
}

func (b *Badger) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) ([]byte, bool, error) {
	k := b.kvKey(key)

	for {
		var stored []byte
		var created bool

		err := b.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(k)
			if err == nil {
				stored, err = item.ValueCopy(nil)
				return err
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			created = true
			stored = value
			return txn.SetEntry(b.entry(k, value, ttl))
		})

		// Two first-time writers read the same empty key; badger aborts the
		// later commit and the retry observes the winner.
		if errors.Is(err, badger.ErrConflict) {
			if ctx.Err() != nil {
				return nil, false, ctx.Err()
			}
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("badger put-if-absent %s: %w", key, err)
		}
		return stored, created, nil
	}
}

func (b *Badger) sequence(stream string) (*badger.Sequence, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if seq, ok := b.seqs[stream]; ok {
		return seq, nil
	}
	seq, err := b.db.GetSequence([]byte(b.prefix+"seq:"+stream), 1000)
	if err != nil {
		return nil, err
	}
	b.seqs[stream] = seq
	return seq, nil
}

func (b *Badger) Append(ctx context.Context, stream string, record []byte) (string, error) {
	seq, err := b.sequence(stream)
	if err != nil {
		return "", fmt.Errorf("badger sequence %s: %w", stream, err)
	}
	n, err := seq.Next()
	if err != nil {
		return "", fmt.Errorf("badger sequence %s: %w", stream, err)
	}

	// Zero-padded so key order equals append order
	key := append(b.streamPrefix(stream), []byte(fmt.Sprintf("%020d", n))...)
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(b.entry(key, record, b.streamTTL))
	})
	if err != nil {
		return "", fmt.Errorf("badger append %s: %w", stream, err)
	}
	return strconv.FormatUint(n+1, 10), nil
}

func (b *Badger) Query(ctx context.Context, stream string, match func([]byte) bool) ([][]byte, error) {
	match = matchAll(match)
	prefix := b.streamPrefix(stream)

	var out [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rec, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			if match(rec) {
				out = append(out, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger query %s: %w", stream, err)
	}
	return out, nil
}

// Clear drops every key under the prefix. Stream sequences are released
// first so numbering restarts with the emptied streams.
func (b *Badger) Clear(ctx context.Context) error {
	b.releaseSequences()
	if err := b.db.DropPrefix([]byte(b.prefix)); err != nil {
		return fmt.Errorf("badger drop prefix: %w", err)
	}
	return nil
}

func (b *Badger) gcLoop(interval time.Duration) {
	defer close(b.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopGC:
			return
		case <-ticker.C:
			// RunValueLogGC returns ErrNoRewrite when there is nothing to collect
			for b.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}

func (b *Badger) Close() error {
	if b.stopGC != nil {
		close(b.stopGC)
		<-b.gcDone
	}

	b.releaseSequences()
	return b.db.Close()
}

func (b *Badger) releaseSequences() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for name, seq := range b.seqs {
		if err := seq.Release(); err != nil {
			log.Warn().Err(err).Str("stream", name).Msg("Failed to release badger sequence")
		}
	}
	b.seqs = make(map[string]*badger.Sequence)
}
