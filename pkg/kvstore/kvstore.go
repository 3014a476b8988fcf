// Package kvstore wraps badger as the local persistence
// layer for blob slices, metastore records and opt-in
// session credentials.
package kvstore

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = errors.New("kvstore: key not found")

// Config configures a Store.
type Config struct {
	// Path is the badger directory. Ignored when InMemory.
	Path string
	// InMemory keeps everything in RAM. Used by tests and
	// the demo.
	InMemory bool
	// MinimumFreeSpace in GB required on Path's device.
	MinimumFreeSpace int
	Logger           *logrus.Logger
}

// Store is a badger backed key-value store.
type Store struct {
	config       Config
	db           *badger.DB
	log          *logrus.Logger
	readCounter  uint64
	writeCounter uint64
}

// Open checks the configuration and opens the database.
func Open(config Config) (*Store, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	log := config.Logger

	if err := config.check(); err != nil {
		return nil, fmt.Errorf("error checking config for kvstore: %w", err)
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(config.Path)
		opts.ValueLogFileSize = 1024 * 1024 * 100
	}
	opts.Logger = badgerLogger{log.WithField("component", "badger")}
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	if !config.InMemory {
		logDiskUsage(log, config.Path)
	}

	return &Store{config: config, db: db, log: log}, nil
}

// Put stores value under key.
func (s *Store) Put(key, value []byte) error {
	atomic.AddUint64(&s.writeCounter, 1)
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

// PutIfAbsent stores value unless key exists. It
// reports whether the key was already present.
func (s *Store) PutIfAbsent(key, value []byte) (bool, error) {
	atomic.AddUint64(&s.writeCounter, 1)
	existed := false
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		switch {
		case err == nil:
			existed = true
			return nil
		case errors.Is(err, badger.ErrKeyNotFound):
			return txn.Set(key, value)
		default:
			return err
		}
	})
	if err != nil {
		return false, fmt.Errorf("put %q: %w", key, err)
	}
	return existed, nil
}

// PutBatch writes all pairs in one transaction.
func (s *Store) PutBatch(batch [][2][]byte) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, kv := range batch {
		atomic.AddUint64(&s.writeCounter, 1)
		if err := wb.Set(kv[0], kv[1]); err != nil {
			return fmt.Errorf("batch set %q: %w", kv[0], err)
		}
	}
	return wb.Flush()
}

// Get returns the value under key or ErrNotFound.
func (s *Store) Get(key []byte) ([]byte, error) {
	atomic.AddUint64(&s.readCounter, 1)
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("get %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return value, nil
}

// Has reports whether key exists.
func (s *Store) Has(key []byte) (bool, error) {
	atomic.AddUint64(&s.readCounter, 1)
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes key. Missing keys are not an error.
func (s *Store) Delete(key []byte) error {
	atomic.AddUint64(&s.writeCounter, 1)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// ItemsWithPrefix returns all key/value pairs whose key
// starts with prefix, in key order.
func (s *Store) ItemsWithPrefix(prefix []byte) ([][2][]byte, error) {
	atomic.AddUint64(&s.readCounter, 1)
	var out [][2][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, [2][]byte{item.KeyCopy(nil), v})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan prefix %q: %w", prefix, err)
	}
	return out, nil
}

// Stats returns the number of reads and writes since
// the last call.
func (s *Store) Stats() (reads, writes uint64) {
	return atomic.SwapUint64(&s.readCounter, 0), atomic.SwapUint64(&s.writeCounter, 0)
}

// Clean syncs, flattens and garbage collects the value
// log.
func (s *Store) Clean() error {
	if s.config.InMemory {
		return nil
	}
	if err := s.db.Sync(); err != nil {
		return fmt.Errorf("error syncing db: %w", err)
	}
	if err := s.db.Flatten(runtime.NumCPU()); err != nil {
		return fmt.Errorf("error flattening db: %w", err)
	}
	s.log.Info("DB Flattened")

	err := s.db.RunValueLogGC(0.1)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("error cleaning db: %w", err)
	}
	return nil
}

// Close cleans and closes the database.
func (s *Store) Close() error {
	if err := s.Clean(); err != nil {
		s.log.WithError(err).Warn("clean before close failed")
	}
	return s.db.Close()
}

// badgerLogger adapts a logrus entry to badger.Logger,
// demoting badger's chatty info output to debug.
type badgerLogger struct {
	*logrus.Entry
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.Entry.Debugf(format, args...)
}
