package kv

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bolt stores each namespace as a bucket in a bbolt file.
type Bolt struct {
	db    *bolt.DB
	batch *batch
}

// OpenBolt opens or creates the bbolt file at path.
func OpenBolt(path string) (*Bolt, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	return &Bolt{db: bdb, batch: newBatch()}, nil
}

func (b *Bolt) Get(_ context.Context, namespace, key string) ([]byte, error) {
	if v, ok := b.batch.lookup(namespace, key); ok {
		if v == nil {
			return nil, ErrNotFound
		}
		return append([]byte(nil), v...), nil
	}
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return ErrNotFound
		}
		v := bucket.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (b *Bolt) Set(_ context.Context, namespace, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	b.batch.put(namespace, key, value)
	return nil
}

func (b *Bolt) Delete(_ context.Context, namespace, key string) error {
	b.batch.put(namespace, key, nil)
	return nil
}

func (b *Bolt) Keys(_ context.Context, namespace string) ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return b.batch.overlay(namespace, keys), nil
}

func (b *Bolt) Commit(context.Context) error {
	pending := b.batch.take()
	if len(pending) == 0 {
		return nil
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		for ns, ops := range pending {
			bucket, err := tx.CreateBucketIfNotExists([]byte(ns))
			if err != nil {
				return err
			}
			for k, o := range ops {
				if o.value == nil {
					err = bucket.Delete([]byte(k))
				} else {
					err = bucket.Put([]byte(k), o.value)
				}
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("kv commit: %w", err)
	}
	return nil
}

func (b *Bolt) Rollback() { b.batch.take() }

// Close drops uncommitted writes and closes the file.
func (b *Bolt) Close() error {
	b.batch.take()
	return b.db.Close()
}
