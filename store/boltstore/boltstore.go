// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package boltstore implements a persistent store.Store backed by
// go.etcd.io/bbolt, for local development and integration tests that
// need journal state to survive a process restart. It plays the same
// role upspin.io/cloud/storage/disk plays for upspin — a single-host
// durable backend — but keeps its objects in one bbolt database file
// instead of one file per object, since bbolt's own transactions
// already give per-object atomicity for free.
package boltstore // import "ijournal.io/store/boltstore"

import (
	"context"
	"sync"

	"go.etcd.io/bbolt"

	"ijournal.io/errors"
	"ijournal.io/store"
)

var objectsBucket = []byte("objects")

type watcher struct {
	id     store.WatchID
	notify func([]byte)
}

// Store is a bbolt-backed store.Store.
type Store struct {
	db *bbolt.DB

	mu       sync.Mutex
	watchers map[string][]watcher
	nextID   store.WatchID
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if necessary) a bbolt database at path and
// returns a Store backed by it. Callers must call Close when done.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.E("Open", errors.IO, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(objectsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.E("Open", errors.IO, err)
	}
	return &Store{db: db, watchers: make(map[string][]watcher)}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Exec(ctx context.Context, object string, ops []store.Op) ([][]byte, error) {
	results := make([][]byte, len(ops))
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(objectsBucket)
		key := []byte(object)
		for i, op := range ops {
			switch op.Method {
			case store.MethodCreate:
				if b.Get(key) != nil {
					return errors.E("Exec", errors.Exist, errors.Str(object))
				}
				if err := b.Put(key, append([]byte(nil), op.Payload...)); err != nil {
					return errors.E("Exec", errors.IO, err)
				}
			case store.MethodReadFull:
				v := b.Get(key)
				if v == nil {
					return errors.E("Exec", errors.NotExist, errors.Str(object))
				}
				results[i] = append([]byte(nil), v...)
			case store.MethodWriteFull:
				if err := b.Put(key, append([]byte(nil), op.Payload...)); err != nil {
					return errors.E("Exec", errors.IO, err)
				}
			case store.MethodAppend:
				cur := b.Get(key)
				next := append(append([]byte(nil), cur...), op.Payload...)
				if err := b.Put(key, next); err != nil {
					return errors.E("Exec", errors.IO, err)
				}
			default:
				return errors.E("Exec", errors.BadMessage, errors.Str("unknown method "+op.Method))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Store) Watch(ctx context.Context, object string, notify func([]byte)) (store.WatchID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.watchers[object] = append(s.watchers[object], watcher{id: id, notify: notify})
	return id, nil
}

func (s *Store) Unwatch(ctx context.Context, object string, id store.WatchID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.watchers[object]
	for i, w := range ws {
		if w.id == id {
			s.watchers[object] = append(ws[:i], ws[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *Store) Notify(ctx context.Context, object string, payload []byte) error {
	s.mu.Lock()
	ws := append([]watcher(nil), s.watchers[object]...)
	s.mu.Unlock()
	for _, w := range ws {
		w.notify(payload)
	}
	return nil
}

func (s *Store) Stat(ctx context.Context, object string) (uint64, error) {
	var size uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(objectsBucket).Get([]byte(object))
		if v == nil {
			return errors.E("Stat", errors.NotExist, errors.Str(object))
		}
		size = uint64(len(v))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return size, nil
}

func (s *Store) Remove(ctx context.Context, object string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(objectsBucket).Delete([]byte(object))
	})
}

func (s *Store) AioFlush(ctx context.Context, object string) error {
	// bbolt fsyncs at the end of every Update transaction, so every
	// write above is already durable by the time it returns.
	return nil
}
