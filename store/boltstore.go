package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"
)

const (
	dbFileName       = "connectord.db"
	dbFilePermission = 0600
)

var rootBucket = []byte("connectord")

// BoltStore is the production Store backend, modelled directly on the
// teacher's channeldb.DB: a single bbolt file holding one flat bucket,
// with an in-memory cache serving reads and a per-key worker goroutine
// serializing durable writes.
type BoltStore struct {
	db *bolt.DB

	mu     sync.RWMutex
	cache  map[string][]byte
	queues map[string]*keyedQueue
}

// OpenBoltStore opens (creating if necessary) a bbolt-backed store rooted
// at dbPath, mirroring channeldb.Open/createChannelDB.
func OpenBoltStore(dbPath string) (*BoltStore, error) {
	if err := os.MkdirAll(dbPath, 0700); err != nil {
		return nil, err
	}

	path := filepath.Join(dbPath, dbFileName)
	db, err := bolt.Open(path, dbFilePermission, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: unable to create root bucket: %w", err)
	}

	return &BoltStore{
		db:     db,
		cache:  make(map[string][]byte),
		queues: make(map[string]*keyedQueue),
	}, nil
}

// Load reads every key under the root bucket into the in-memory cache.
func (b *BoltStore) Load(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(rootBucket)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			value := make([]byte, len(v))
			copy(value, v)
			b.cache[string(k)] = value
			return nil
		})
	})
}

func (b *BoltStore) Get(key string) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.cache[key]
	return v, ok
}

func (b *BoltStore) queueFor(key string) *keyedQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[key]
	if !ok {
		q = newKeyedQueue()
		b.queues[key] = q
	}
	return q
}

func (b *BoltStore) Put(ctx context.Context, key string, value []byte) <-chan error {
	b.mu.Lock()
	b.cache[key] = value
	b.mu.Unlock()

	done := make(chan error, 1)
	b.queueFor(key).enqueue(func() {
		err := b.db.Update(func(tx *bolt.Tx) error {
			bucket := tx.Bucket(rootBucket)
			return bucket.Put([]byte(key), value)
		})
		if err != nil {
			log.Errorf("store: durable write of %s failed: %v", key, err)
		}
		done <- err
	})
	return done
}

func (b *BoltStore) Delete(ctx context.Context, key string) <-chan error {
	b.mu.Lock()
	delete(b.cache, key)
	b.mu.Unlock()

	done := make(chan error, 1)
	b.queueFor(key).enqueue(func() {
		err := b.db.Update(func(tx *bolt.Tx) error {
			bucket := tx.Bucket(rootBucket)
			return bucket.Delete([]byte(key))
		})
		if err != nil {
			log.Errorf("store: durable delete of %s failed: %v", key, err)
		}
		done <- err
	})
	return done
}

func (b *BoltStore) Close() error {
	b.mu.Lock()
	for _, q := range b.queues {
		q.close()
	}
	b.mu.Unlock()
	return b.db.Close()
}
