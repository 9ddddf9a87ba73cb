// Package entrycache keeps a local copy of log entries that are already durable in
// the linearizable store.
//
// Entries never change once written, so the cache can only miss, never go stale
// against the store. With a directory the cache is journaled to a write-ahead log.
// A store only lives for one run of the harness, so a journaled cache must be bound
// to a run before use; binding rebuilds it from the entries journaled for that run.
package entrycache

import (
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
)

// ErrUnbound is returned by Put on a journaled cache that has no run yet.
var ErrUnbound = errors.New("entry cache is not bound to a run")

const runSeparator = " "

type Cache struct {
	wal     *gowal.Wal
	db      *badger.DB
	mu      sync.RWMutex
	nextIdx uint64
	run     string
	bound   bool
}

// New opens the cache. An empty dir keeps everything in memory.
func New(dir string) (*Cache, error) {
	if dir == "" {
		db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
		if err != nil {
			return nil, errors.Wrap(err, "open in-memory badger")
		}
		return &Cache{db: db, bound: true}, nil
	}

	walDir := filepath.Join(dir, "wal")
	dbDir := filepath.Join(dir, "badger")
	for _, d := range []string{walDir, dbDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create %s", d)
		}
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              walDir,
		Prefix:           "entries_",
		SegmentThreshold: 4 * 1024 * 1024,
		MaxSegments:      64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open entry journal")
	}

	db, err := badger.Open(badger.DefaultOptions(dbDir).WithLogger(nil))
	if err != nil {
		_ = wal.Close()
		return nil, errors.Wrap(err, "open badger db")
	}

	c := &Cache{wal: wal, db: db}
	c.nextIdx = c.journalEnd()

	return c, nil
}

// Bound reports whether the cache serves a run. In-memory caches always do.
func (c *Cache) Bound() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.bound
}

// Bind ties a journaled cache to run. Everything cached for other runs is dropped
// and the entries journaled for run are loaded back. Binding twice to the same run
// is a no-op; rebinding to another run fails.
func (c *Cache) Bind(run string) error {
	if run == "" || strings.Contains(run, runSeparator) {
		return errors.Errorf("invalid run id %q", run)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bound {
		if c.wal == nil || c.run == run {
			return nil
		}
		return errors.Errorf("entry cache already bound to run %s", c.run)
	}

	if err := c.db.DropAll(); err != nil {
		return errors.Wrap(err, "drop cached entries")
	}
	if err := c.recover(run); err != nil {
		return err
	}
	c.run, c.bound = run, true

	return nil
}

// Key is the storage key of the entry at offset in topic.
func Key(topic string, offset int) string {
	return fmt.Sprintf("log/%s/%d", topic, offset)
}

// Put remembers msg as the entry at offset in topic.
func (c *Cache) Put(topic string, offset, msg int) error {
	key := Key(topic, offset)
	value := strconv.AppendInt(nil, int64(msg), 10)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.bound {
		return errors.Wrapf(ErrUnbound, "put %s", key)
	}
	if c.wal != nil {
		if err := c.wal.Write(c.nextIdx, c.run+runSeparator+key, value); err != nil {
			return errors.Wrapf(err, "journal %s", key)
		}
		c.nextIdx++
	}

	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// Get returns the cached entry and whether it was present. An unbound cache has no entries.
func (c *Cache) Get(topic string, offset int) (int, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.bound {
		return 0, false, nil
	}

	var (
		msg   int
		found bool
	)
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(Key(topic, offset)))
		if stdErrors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			v, err := strconv.Atoi(string(val))
			if err != nil {
				return errors.Wrapf(err, "corrupt cache entry %s/%d", topic, offset)
			}
			msg, found = v, true
			return nil
		})
	})
	if err != nil {
		return 0, false, err
	}

	return msg, found, nil
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	count := 0
	_ = c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})

	return count
}

func (c *Cache) Close() error {
	var errs []error
	if c.wal != nil {
		if err := c.wal.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "close entry journal"))
		}
	}
	if err := c.db.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, "close badger db"))
	}

	return stdErrors.Join(errs...)
}

// journalEnd returns the first unused journal index.
func (c *Cache) journalEnd() uint64 {
	var next uint64
	for msg := range c.wal.Iterator() {
		if msg.Idx >= next {
			next = msg.Idx + 1
		}
	}

	return next
}

// recover loads the entries journaled for run into badger.
func (c *Cache) recover(run string) error {
	for msg := range c.wal.Iterator() {
		tag, key, ok := strings.Cut(msg.Key, runSeparator)
		if !ok || tag != run || msg.Value == nil {
			continue
		}
		if err := c.db.Update(func(txn *badger.Txn) error {
			return txn.Set([]byte(key), append([]byte(nil), msg.Value...))
		}); err != nil {
			return errors.Wrap(err, "apply journal entry")
		}
	}

	return nil
}
