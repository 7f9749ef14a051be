// Package keyValStore wraps BadgerDB as the durable key-value layer
// backing the trie node store and the dedup ledger. Both stores are
// independently openable instances of this type.
package keyValStore

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned by Read when no value exists for a key.
// Callers must treat it as a normal outcome, not a fault.
var ErrNotFound = errors.New("keyValStore: key not found")

type StoreConfig struct {
	Path             string // data directory, one per store
	MinimumFreeSpace int    // in GB, checked once at open
	MaxReaders       int    // cap on concurrent read transactions, 0 = unbounded
	Logger           *logrus.Logger
}

type KeyValStore struct {
	config       StoreConfig
	badgerDB     *badger.DB
	readers      chan struct{}
	readCounter  uint64
	writeCounter uint64
}

var log *logrus.Logger

func NewKeyValStore(config StoreConfig) (*KeyValStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	log = config.Logger

	if err := config.checkConfig(); err != nil {
		return nil, fmt.Errorf("error checking config for KeyValStore: %w", err)
	}

	opts := badger.DefaultOptions(config.Path)
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("error opening badger at %s: %w", config.Path, err)
	}

	var readers chan struct{}
	if config.MaxReaders > 0 {
		readers = make(chan struct{}, config.MaxReaders)
	}

	return &KeyValStore{
		config:   config,
		badgerDB: db,
		readers:  readers,
	}, nil
}

func (k *KeyValStore) acquireReader() {
	if k.readers != nil {
		k.readers <- struct{}{}
	}
}

func (k *KeyValStore) releaseReader() {
	if k.readers != nil {
		<-k.readers
	}
}

func (k *KeyValStore) Write(key []byte, content []byte) error {
	atomic.AddUint64(&k.writeCounter, 1)

	err := k.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Set(key, content)
	})
	if err != nil {
		return fmt.Errorf("error writing key %x: %w", key, err)
	}
	return nil
}

// WriteBatch commits all key/value pairs in one transaction.
func (k *KeyValStore) WriteBatch(batch [][2][]byte) error {
	err := k.badgerDB.Update(func(txn *badger.Txn) error {
		for _, kv := range batch {
			atomic.AddUint64(&k.writeCounter, 1)
			if err := txn.Set(kv[0], kv[1]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("error writing batch of %d entries: %w", len(batch), err)
	}
	return nil
}

func (k *KeyValStore) Read(key []byte) ([]byte, error) {
	atomic.AddUint64(&k.readCounter, 1)
	k.acquireReader()
	defer k.releaseReader()

	var value []byte
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error reading key %x: %w", key, err)
	}
	return value, nil
}

// Has reports key existence without copying the value.
func (k *KeyValStore) Has(key []byte) (bool, error) {
	atomic.AddUint64(&k.readCounter, 1)
	k.acquireReader()
	defer k.releaseReader()

	err := k.badgerDB.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("error checking key %x: %w", key, err)
	}
	return true, nil
}

func (k *KeyValStore) Delete(key []byte) error {
	err := k.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("error deleting key %x: %w", key, err)
	}
	return nil
}

// GetItemsWithPrefix returns all keys and values with the given prefix.
func (k *KeyValStore) GetItemsWithPrefix(prefix []byte) ([][][]byte, error) {
	var keysAndValues [][][]byte
	atomic.AddUint64(&k.readCounter, 1)
	k.acquireReader()
	defer k.releaseReader()

	err := k.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			keysAndValues = append(keysAndValues, [][]byte{key, v})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error iterating prefix %x: %w", prefix, err)
	}
	return keysAndValues, nil
}

func (k *KeyValStore) Close() {
	if err := k.Clean(); err != nil {
		log.Errorf("Error cleaning store on close: %v", err)
	}
	k.badgerDB.Close()
}

// Clean syncs and compacts the store. This is the out-of-band
// reclamation pass for superseded trie node versions; it never runs
// inline with a write.
func (k *KeyValStore) Clean() error {
	if err := k.badgerDB.Sync(); err != nil {
		return fmt.Errorf("error syncing db: %w", err)
	}

	if err := k.badgerDB.Flatten(runtime.NumCPU()); err != nil {
		return fmt.Errorf("error flattening db: %w", err)
	}

	if err := k.badgerDB.RunValueLogGC(0.1); err != nil {
		if !errors.Is(err, badger.ErrNoRewrite) {
			return fmt.Errorf("error cleaning db: %w", err)
		}
	}

	return nil
}
